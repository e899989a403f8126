// Package parser normalizes fetched detail pages into canonical listing
// records: goquery extraction, Japanese-to-English canonicalization and
// deterministic currency conversion. Parsing is pure; a page that cannot
// yield the required fields produces a typed failure, never a retry.
package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/carsight/worker/internal/domain"
)

// Spec-box and table labels on carsensor detail pages.
const (
	yearLabel         = "年式"
	colorLabel        = "色"
	mileageLabel      = "走行距離"
	regionLabel       = "地域"
	transmissionLabel = "ミッション"
	fuelLabel         = "燃料"
)

// unavailableMarkers appear on pages whose listing has ended.
var unavailableMarkers = []string{
	"掲載終了",
	"この車両の掲載は終了しました",
	"販売終了",
	"成約済み",
}

// priceNotSpecifiedMarkers mean the dealer wants to be asked for a price.
var priceNotSpecifiedMarkers = []string{
	"応談",
	"価格応談",
	"要相談",
	"要問合せ",
	"ASK",
	"TBD",
}

const (
	manyenMultiplier = 10_000
	// Prices at or above this are placeholder values, not real prices.
	priceNotSpecifiedThresholdJPY = 90_000_000
)

// invalidPriceValuesJPY are sentinel values some templates emit.
var invalidPriceValuesJPY = map[int]struct{}{
	99_999_999:  {},
	999_999_999: {},
}

var (
	digitsRe     = regexp.MustCompile(`\d+`)
	yearRe       = regexp.MustCompile(`(19\d{2}|20\d{2})`)
	manyenRe     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*万`)
	mileageManRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*万\s*km`)
	parenColorRe = regexp.MustCompile(`[（(]\s*([^()（）]+)\s*[）)]`)
)

// debugSnippetLen bounds the HTML snippet stored with parse failures.
const debugSnippetLen = 800

// Input is one fetched page handed to the parser.
type Input struct {
	HTML       string
	URL        string
	ExternalID string
	// FinalURL is the post-redirect URL; a redirect to the search page
	// means the listing is gone.
	FinalURL string
}

// Parser turns detail pages into listings. The exchange rate is fixed for
// the parser's lifetime, which keeps conversion deterministic within a cycle.
type Parser struct {
	rate float64
}

// New creates a parser with the given JPY to RUB exchange rate.
func New(rate float64) *Parser {
	return &Parser{rate: rate}
}

// Parse extracts a listing from page HTML. Exactly one of the returned
// values is non-nil. Required fields are make, model, year, color and the
// base price; a page missing any of them is rejected with a failure that
// distinguishes content problems from transport problems.
func (p *Parser) Parse(in Input) (*domain.Listing, *domain.ScrapeFailure) {
	if Unavailable(in.HTML, in.FinalURL) {
		return nil, failure(in, domain.FailureKindUnavailable, "listing appears unavailable")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return nil, failure(in, domain.FailureKindParse, fmt.Sprintf("parse html: %v", err))
	}

	labels := extractLabelMap(doc)

	title := nodeText(doc.Find("h1.title1").First())
	if title == "" {
		title = nodeText(doc.Find("h1").First())
	}
	makeRaw, modelRaw, gradeRaw, titleColor := splitTitle(title)

	makeName := TranslateMake(makeRaw)
	modelName := TranslateModel(modelRaw)
	if makeName == "" || modelName == "" {
		return nil, failure(in, domain.FailureKindParse,
			fmt.Sprintf("make/model not extractable from title %q", title))
	}

	year, yearErr := extractYear(doc)
	if yearErr != nil {
		return nil, failure(in, domain.FailureKindMissingYear, yearErr.Error())
	}

	colorRaw := labels[colorLabel]
	if colorRaw == "" {
		colorRaw = titleColor
	}
	color := TranslateColor(colorRaw)
	if color == "" {
		return nil, failure(in, domain.FailureKindParse, "color not found")
	}

	priceJPY, priceErr := extractPrice(doc.Find("p.basePrice__price").First())
	if priceErr != nil {
		return nil, failure(in, domain.FailureKindParse, fmt.Sprintf("base price: %v", priceErr))
	}

	totalJPY, totalErr := extractPrice(doc.Find("p.totalPrice__price").First())
	if totalErr != nil || totalJPY < priceJPY {
		// Total price is optional and occasionally nonsense; drop it
		// rather than the page.
		totalJPY = 0
	}

	listing := &domain.Listing{
		Source:     domain.SourceCarsensor,
		ExternalID: in.ExternalID,
		URL:        in.URL,
		Make:       makeName,
		Model:      modelName,
		Year:       &year,
		Color:      &color,
		PriceJPY:   &priceJPY,
		PriceRUB:   intPtr(p.convert(priceJPY)),
		ScrapedAt:  time.Now().UTC(),
	}

	if grade := TranslateModel(gradeRaw); grade != "" {
		listing.Grade = &grade
	}
	if totalJPY > 0 {
		listing.TotalPriceJPY = &totalJPY
		listing.TotalPriceRUB = intPtr(p.convert(totalJPY))
	}
	if mileage, ok := parseMileageKm(labels[mileageLabel]); ok {
		listing.MileageKm = &mileage
	}
	if prefecture := labels[regionLabel]; prefecture != "" {
		listing.Prefecture = &prefecture
	}
	if transmission := firstNonEmpty(labels[transmissionLabel], labels["AT/CVT"]); transmission != "" {
		listing.Transmission = &transmission
	}
	if fuel := labels[fuelLabel]; fuel != "" {
		listing.Fuel = &fuel
	}

	return listing, nil
}

// convert applies the cycle's exchange rate, rounding to the nearest ruble.
func (p *Parser) convert(jpy int) int {
	return int(math.Round(float64(jpy) * p.rate))
}

// QuickMake cheaply extracts the translated make from page HTML without a
// full parse. Returns "" when the make cannot be determined.
func QuickMake(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	title := nodeText(doc.Find("h1.title1").First())
	if title == "" {
		title = nodeText(doc.Find("h1").First())
	}
	makeRaw, _, _, _ := splitTitle(title)
	return TranslateMake(makeRaw)
}

// Unavailable reports whether the page says the listing has ended, or the
// fetch was redirected back to the search page.
func Unavailable(html, finalURL string) bool {
	if strings.Contains(finalURL, "/usedcar/search.php") {
		return true
	}
	for _, marker := range unavailableMarkers {
		if strings.Contains(html, marker) {
			return true
		}
	}
	return false
}

// extractLabelMap collects label/value pairs from spec boxes, table rows
// and definition lists. First value wins per label; templates repeat some.
func extractLabelMap(doc *goquery.Document) map[string]string {
	labels := make(map[string]string)

	doc.Find("div.specWrap__box").Each(func(_ int, box *goquery.Selection) {
		key := nodeText(box.Find("p.specWrap__box__title").First())
		value := nodeText(box.Find("p.specWrap__box__num").First())
		if key != "" && value != "" {
			if _, exists := labels[key]; !exists {
				labels[key] = value
			}
		}
	})

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		key := nodeText(row.Find("th").First())
		value := nodeText(row.Find("td").First())
		if key != "" && value != "" {
			if _, exists := labels[key]; !exists {
				labels[key] = value
			}
		}
	})

	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		dts := dl.Find("dt")
		dds := dl.Find("dd")
		count := min(dts.Length(), dds.Length())
		for i := 0; i < count; i++ {
			key := nodeText(dts.Eq(i))
			value := nodeText(dds.Eq(i))
			if key != "" && value != "" {
				if _, exists := labels[key]; !exists {
					labels[key] = value
				}
			}
		}
	})

	return labels
}

// splitTitle decomposes the page title into make, model, grade and an
// optional parenthesized color.
func splitTitle(title string) (makeRaw, modelRaw, gradeRaw, color string) {
	if title == "" {
		return "", "", "", ""
	}

	if match := parenColorRe.FindStringSubmatch(title); match != nil {
		color = strings.TrimSpace(match[1])
	}
	withoutColor := strings.TrimSpace(parenColorRe.ReplaceAllString(title, ""))

	parts := strings.Fields(withoutColor)
	if len(parts) >= 1 {
		makeRaw = parts[0]
	}
	if len(parts) >= 2 {
		modelRaw = parts[1]
	}
	if len(parts) >= 3 {
		gradeRaw = strings.Join(parts[2:], " ")
	}
	return makeRaw, modelRaw, gradeRaw, color
}

// extractYear finds the model year in the spec boxes.
func extractYear(doc *goquery.Document) (int, error) {
	var year int
	var foundTitles []string

	doc.Find("div.specWrap__box").EachWithBreak(func(_ int, box *goquery.Selection) bool {
		title := nodeText(box.Find("p.specWrap__box__title").First())
		foundTitles = append(foundTitles, title)
		if !strings.Contains(title, yearLabel) {
			return true
		}

		raw := nodeText(box.Find("p.specWrap__box__num").First())
		if match := yearRe.FindStringSubmatch(raw); match != nil {
			year, _ = strconv.Atoi(match[1])
		}
		return false
	})

	if year == 0 {
		return 0, fmt.Errorf("year not found; spec titles seen: %v", foundTitles)
	}
	return year, nil
}

// extractPrice parses a price node. It tries the man-yen text form first,
// then the machine-readable content attribute, then bare digits. Every
// outcome is explicit: a value or an error, never a silent zero.
func extractPrice(node *goquery.Selection) (int, error) {
	if node.Length() == 0 {
		return 0, fmt.Errorf("price node missing")
	}

	text := strings.NewReplacer(",", "", "，", "", " ", "", " ", "").Replace(nodeText(node))
	upper := strings.ToUpper(text)
	for _, marker := range priceNotSpecifiedMarkers {
		if strings.Contains(text, marker) || strings.Contains(upper, marker) {
			return 0, fmt.Errorf("price not specified")
		}
	}

	if match := manyenRe.FindStringSubmatch(strings.ReplaceAll(text, "．", ".")); match != nil {
		manyen, err := strconv.ParseFloat(match[1], 64)
		if err == nil {
			return sanitizePriceJPY(int(math.Round(manyen * manyenMultiplier)))
		}
	}

	if content, ok := node.Attr("content"); ok {
		if parsed, ok := parseDigits(content); ok {
			if parsed < manyenMultiplier {
				parsed *= manyenMultiplier
			}
			return sanitizePriceJPY(parsed)
		}
	}

	if parsed, ok := parseDigits(text); ok {
		if parsed < manyenMultiplier {
			parsed *= manyenMultiplier
		}
		return sanitizePriceJPY(parsed)
	}

	return 0, fmt.Errorf("price not parseable from %q", text)
}

// sanitizePriceJPY rejects non-positive prices and known placeholder values.
func sanitizePriceJPY(value int) (int, error) {
	if value <= 0 {
		return 0, fmt.Errorf("non-positive price %d", value)
	}
	if _, invalid := invalidPriceValuesJPY[value]; invalid {
		return 0, fmt.Errorf("placeholder price %d", value)
	}
	if value >= priceNotSpecifiedThresholdJPY {
		return 0, fmt.Errorf("price %d above plausibility threshold", value)
	}
	return value, nil
}

// parseMileageKm parses mileage values like "3.4万km" or "34,000km".
func parseMileageKm(value string) (int, bool) {
	if value == "" {
		return 0, false
	}
	text := strings.ReplaceAll(value, ",", "")

	if match := mileageManRe.FindStringSubmatch(text); match != nil {
		man, err := strconv.ParseFloat(match[1], 64)
		if err == nil {
			return int(math.Round(man * manyenMultiplier)), true
		}
	}
	return parseDigits(text)
}

// parseDigits concatenates all digit runs in value and parses them.
func parseDigits(value string) (int, bool) {
	digits := strings.Join(digitsRe.FindAllString(value, -1), "")
	if digits == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// nodeText returns the node's text with whitespace collapsed.
func nodeText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return normalizeText(sel.Text())
}

func failure(in Input, kind, message string) *domain.ScrapeFailure {
	snippet := in.HTML
	if len(snippet) > debugSnippetLen {
		snippet = snippet[:debugSnippetLen]
	}
	return &domain.ScrapeFailure{
		URL:             in.URL,
		SourceListingID: in.ExternalID,
		ErrorType:       kind,
		Message:         message,
		DebugSnippet:    &snippet,
		CreatedAt:       time.Now().UTC(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intPtr(v int) *int { return &v }
