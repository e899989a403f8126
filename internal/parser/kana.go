package parser

import "strings"

// kanaMap maps katakana (and via offset, hiragana) to Hepburn romaji.
var kanaMap = map[rune]string{
	'ア': "a", 'イ': "i", 'ウ': "u", 'エ': "e", 'オ': "o",
	'カ': "ka", 'キ': "ki", 'ク': "ku", 'ケ': "ke", 'コ': "ko",
	'ガ': "ga", 'ギ': "gi", 'グ': "gu", 'ゲ': "ge", 'ゴ': "go",
	'サ': "sa", 'シ': "shi", 'ス': "su", 'セ': "se", 'ソ': "so",
	'ザ': "za", 'ジ': "ji", 'ズ': "zu", 'ゼ': "ze", 'ゾ': "zo",
	'タ': "ta", 'チ': "chi", 'ツ': "tsu", 'テ': "te", 'ト': "to",
	'ダ': "da", 'ヂ': "ji", 'ヅ': "zu", 'デ': "de", 'ド': "do",
	'ナ': "na", 'ニ': "ni", 'ヌ': "nu", 'ネ': "ne", 'ノ': "no",
	'ハ': "ha", 'ヒ': "hi", 'フ': "fu", 'ヘ': "he", 'ホ': "ho",
	'バ': "ba", 'ビ': "bi", 'ブ': "bu", 'ベ': "be", 'ボ': "bo",
	'パ': "pa", 'ピ': "pi", 'プ': "pu", 'ペ': "pe", 'ポ': "po",
	'マ': "ma", 'ミ': "mi", 'ム': "mu", 'メ': "me", 'モ': "mo",
	'ヤ': "ya", 'ユ': "yu", 'ヨ': "yo",
	'ラ': "ra", 'リ': "ri", 'ル': "ru", 'レ': "re", 'ロ': "ro",
	'ワ': "wa", 'ヲ': "o", 'ン': "n",
	'ヴ': "vu",
	'ァ': "a", 'ィ': "i", 'ゥ': "u", 'ェ': "e", 'ォ': "o",
}

// smallYMap maps the small ya/yu/yo used in digraphs.
var smallYMap = map[rune]string{'ャ': "ya", 'ュ': "yu", 'ョ': "yo"}

// smallVowelMap maps the small vowel kana used in foreign-sound digraphs
// such as フィ (fi) and ヴァ (va).
var smallVowelMap = map[rune]string{'ァ': "a", 'ィ': "i", 'ゥ': "u", 'ェ': "e", 'ォ': "o"}

const (
	hiraganaStart = 0x3041
	hiraganaEnd   = 0x3096
	kanaOffset    = 0x60
	longVowelMark = 'ー'
	sokuon        = 'ッ'
)

// romanizeKana transliterates katakana and hiragana to Hepburn romaji.
// Kanji and other runes pass through unchanged; downstream cleanup strips
// what is left. Handles digraphs (キャ -> kya), the sokuon (ッ doubles the
// following consonant) and the long vowel mark (ー repeats the previous
// vowel).
func romanizeKana(value string) string {
	runes := []rune(value)
	var sb strings.Builder
	pendingSokuon := false

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r >= hiraganaStart && r <= hiraganaEnd {
			r += kanaOffset
		}

		if r == sokuon {
			pendingSokuon = true
			continue
		}

		if r == longVowelMark {
			if last := lastVowel(sb.String()); last != 0 {
				sb.WriteByte(last)
			}
			continue
		}

		romaji, ok := kanaMap[r]
		if !ok {
			sb.WriteRune(r)
			pendingSokuon = false
			continue
		}

		// Digraphs: consonant kana + small ya/yu/yo (キャ -> kya) or a
		// small vowel replacing the base vowel (フィ -> fi).
		if i+1 < len(runes) {
			next := runes[i+1]
			if next >= hiraganaStart && next <= hiraganaEnd {
				next += kanaOffset
			}
			switch {
			case strings.HasSuffix(romaji, "i") && smallYMap[next] != "":
				romaji = digraph(romaji, smallYMap[next])
				i++
			case len(romaji) >= 2 && smallVowelMap[next] != "":
				romaji = romaji[:len(romaji)-1] + smallVowelMap[next]
				i++
			}
		}

		if pendingSokuon && len(romaji) > 0 {
			sb.WriteByte(romaji[0])
			pendingSokuon = false
		}
		sb.WriteString(romaji)
	}

	return sb.String()
}

// digraph merges an i-column kana with a small ya/yu/yo row, e.g.
// ki + ya -> kya, shi + yu -> shu, chi + yo -> cho.
func digraph(base, y string) string {
	stem := strings.TrimSuffix(base, "i")
	switch stem {
	case "sh", "ch", "j":
		return stem + y[1:]
	default:
		return stem + y
	}
}

// lastVowel returns the final vowel in s, or 0 when s has none.
func lastVowel(s string) byte {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case 'a', 'e', 'i', 'o', 'u':
			return s[i]
		}
	}
	return 0
}

// replaceFold replaces all case-insensitive occurrences of src with dst.
func replaceFold(s, src, dst string) string {
	lower := strings.ToLower(s)
	src = strings.ToLower(src)

	var sb strings.Builder
	for {
		idx := strings.Index(lower, src)
		if idx < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:idx])
		sb.WriteString(dst)
		s = s[idx+len(src):]
		lower = lower[idx+len(src):]
	}
}
