package parser

import (
	"regexp"
	"strings"
)

// Canonical English names for Japanese make labels.
var makeMap = map[string]string{
	"トヨタ":        "Toyota",
	"日産":         "Nissan",
	"ホンダ":        "Honda",
	"マツダ":        "Mazda",
	"スバル":        "Subaru",
	"三菱":         "Mitsubishi",
	"スズキ":        "Suzuki",
	"ダイハツ":       "Daihatsu",
	"レクサス":       "Lexus",
	"アウディ":       "Audi",
	"BMW":        "BMW",
	"メルセデス・ベンツ":  "Mercedes-Benz",
	"ポルシェ":       "Porsche",
	"フォルクスワーゲン":  "Volkswagen",
	"ボルボ":        "Volvo",
	"シトロエン":      "Citroen",
	"プジョー":       "Peugeot",
	"ルノー":        "Renault",
	"ジャガー":       "Jaguar",
	"ランドローバー":    "Land Rover",
	"フィアット":      "Fiat",
	"アバルト":       "Abarth",
	"ジープ":        "Jeep",
	"フォード":       "Ford",
	"シボレー":       "Chevrolet",
	"クライスラー":     "Chrysler",
	"テスラ":        "Tesla",
}

// Canonical English names for common Japanese color labels.
var colorMap = map[string]string{
	"レッド":      "Red",
	"ブルー":      "Blue",
	"ホワイト":     "White",
	"ブラック":     "Black",
	"シルバー":     "Silver",
	"グレー":      "Gray",
	"ガンメタ":     "Gunmetal",
	"パール":      "Pearl",
	"ワインレッド":   "Wine Red",
	"ネイビー":     "Navy",
	"グリーン":     "Green",
	"イエロー":     "Yellow",
	"オレンジ":     "Orange",
	"ブラウン":     "Brown",
	"ベージュ":     "Beige",
	"ゴールド":     "Gold",
	"ピンク":      "Pink",
	"紫":        "Purple",
	"ライトブルー":   "Light Blue",
	"ダークブルー":   "Dark Blue",
	"パールホワイト":  "Pearl White",
	"ホワイトパール":  "Pearl White",
	"グレーメタリック": "Gray Metallic",
	"シルバーメタリック": "Silver Metallic",
	"レッドメタリック":  "Red Metallic",
	"ブルーメタリック":  "Blue Metallic",
	"ブラックメタリック": "Black Metallic",
}

// colorComposites covers frequent two-part color phrases that escape the
// exact-match map (extra qualifiers, middle dots and so on).
var colorComposites = []struct {
	parts  [2]string
	result string
}{
	{[2]string{"グレー", "メタリック"}, "Gray Metallic"},
	{[2]string{"シルバー", "メタリック"}, "Silver Metallic"},
	{[2]string{"ブルー", "メタリック"}, "Blue Metallic"},
	{[2]string{"レッド", "メタリック"}, "Red Metallic"},
	{[2]string{"ブラック", "メタリック"}, "Black Metallic"},
	{[2]string{"ライト", "ブルー"}, "Light Blue"},
	{[2]string{"パール", "ホワイト"}, "Pearl White"},
}

// romanizedTokens rewrites romanized katakana fragments into English words
// when a color phrase had to go through the transliterator.
var romanizedTokens = []struct{ src, dst string }{
	{"shainingu", "Shining"},
	{"metarikku", "Metallic"},
	{"howaito", "White"},
	{"burakku", "Black"},
	{"buruu", "Blue"},
	{"guree", "Gray"},
	{"guriin", "Green"},
	{"gurin", "Green"},
	{"reddo", "Red"},
	{"orenji", "Orange"},
	{"beju", "Beige"},
	{"shirubaa", "Silver"},
	{"shiruba", "Silver"},
	{"paaru", "Pearl"},
}

var englishColorKeywords = map[string]struct{}{
	"white": {}, "black": {}, "blue": {}, "gray": {}, "green": {},
	"red": {}, "orange": {}, "beige": {}, "silver": {}, "pearl": {},
	"metallic": {},
}

var modelReplacements = []struct{ src, dst string }{
	{"shiriizu", "Series"},
	{"shirizu", "Series"},
	{"supootsu", "Sports"},
}

var (
	cjkRe        = regexp.MustCompile(`[\x{3040}-\x{30ff}\x{3400}-\x{4dbf}\x{4e00}-\x{9fff}]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	nonWordRe    = regexp.MustCompile(`[^A-Za-z0-9\s\-/+]`)
	digitAlphaRe = regexp.MustCompile(`([0-9])([A-Za-z])`)
	camelSplitRe = regexp.MustCompile(`([a-z])([A-Z])`)
	upperTokenRe = regexp.MustCompile(`^[A-Z0-9\-/+]+$`)
)

var keepUpper = map[string]struct{}{
	"BMW": {}, "GT": {}, "AMG": {}, "SUV": {}, "WRX": {},
}

// TranslateMake canonicalizes a make label to its English name. Unmapped
// values go through the generic transliteration; the original text is the
// last resort.
func TranslateMake(value string) string {
	normalized := normalizeText(value)
	if normalized == "" {
		return ""
	}
	if mapped, ok := makeMap[normalized]; ok {
		return mapped
	}
	if translated := translateGeneric(normalized); translated != "" {
		return translated
	}
	return normalized
}

// TranslateModel transliterates a model or grade label into ASCII.
func TranslateModel(value string) string {
	return translateGeneric(normalizeText(value))
}

// TranslateColor canonicalizes a color label to English.
func TranslateColor(value string) string {
	normalized := normalizeText(value)
	if normalized == "" {
		return ""
	}
	if mapped, ok := colorMap[normalized]; ok {
		return mapped
	}
	for _, composite := range colorComposites {
		if strings.Contains(normalized, composite.parts[0]) && strings.Contains(normalized, composite.parts[1]) {
			return composite.result
		}
	}

	translated := translateGeneric(normalized)
	if translated == "" {
		return normalized
	}
	if phrase := romanizedColorPhrase(translated); phrase != "" {
		return phrase
	}
	return translated
}

// translateGeneric transliterates CJK text to romaji, applies model token
// fixes and re-cases the result.
func translateGeneric(value string) string {
	if value == "" {
		return ""
	}
	if cjkRe.MatchString(value) {
		value = romanizeKana(value)
	}
	for _, repl := range modelReplacements {
		value = replaceFold(value, repl.src, repl.dst)
	}
	value = cleanupASCII(value)
	if value == "" {
		return ""
	}
	return titleOrUpperWords(value)
}

// romanizedColorPhrase maps romanized katakana color fragments back to
// English words; returns "" unless the result contains a known color word.
func romanizedColorPhrase(value string) string {
	text := strings.ToLower(value)
	for _, token := range romanizedTokens {
		text = strings.ReplaceAll(text, token.src, " "+strings.ToLower(token.dst)+" ")
	}
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}

	found := false
	for _, word := range strings.Split(text, " ") {
		if _, ok := englishColorKeywords[word]; ok {
			found = true
			break
		}
	}
	if !found {
		return ""
	}
	return titleOrUpperWords(text)
}

func normalizeText(value string) string {
	text := strings.NewReplacer(" ", " ", "　", " ").Replace(value)
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	return text
}

func cleanupASCII(value string) string {
	text := nonWordRe.ReplaceAllString(value, " ")
	text = digitAlphaRe.ReplaceAllString(text, "$1 $2")
	text = camelSplitRe.ReplaceAllString(text, "$1 $2")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

func titleOrUpperWords(value string) string {
	tokens := strings.Split(value, " ")
	words := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		switch {
		case upperTokenRe.MatchString(token):
			words = append(words, token)
		default:
			if _, ok := keepUpper[strings.ToUpper(token)]; ok {
				words = append(words, strings.ToUpper(token))
				continue
			}
			words = append(words, capitalize(token))
		}
	}
	return strings.Join(words, " ")
}

func capitalize(token string) string {
	lower := strings.ToLower(token)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
