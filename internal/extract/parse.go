package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-scraper/internal/record"
)

var (
	pricePattern      = regexp.MustCompile(`\$[\d,]+(?:,\d{3})+`)
	zestimatePattern  = regexp.MustCompile(`(?i)\$([\d,]+)\s*Zestimate`)
	salesRangePattern = regexp.MustCompile(`(?i)Estimated\s+sales?\s+range[:\s]*(\$[\d,]+\s*[-–]\s*\$[\d,]+)`)
	rentPattern       = regexp.MustCompile(`(?i)Rent\s+Zestimate[®:\s]*\$([\d,]+)`)
	factKeySeparators = regexp.MustCompile(`[\s/]+`)
	factKeyInvalid    = regexp.MustCompile(`[^a-z0-9_]`)
	priceHistoryTitle = regexp.MustCompile(`(?i)price\s*history`)
	taxHistoryTitle   = regexp.MustCompile(`(?i)tax\s*history`)
)

var factSelectors = []string{
	`[class*="fact" i] li`,
	`[data-testid*="fact"] li`,
	`.data-view-container li`,
}

// factSections are heading keywords that introduce fact lists.
var factSections = []string{
	"bedrooms", "bathrooms", "parking", "type", "style", "condition",
	"interior", "exterior", "heating", "cooling", "appliances",
	"flooring", "property", "lot", "construction", "utilities",
	"community", "hoa", "financial", "other",
}

const maxFactKeyLen = 60

// ParseListing reads listing fields from a rendered document. bodyText is
// the page's visible text; when empty the document text is used instead.
// Fields that cannot be found are recorded as null so every listing carries
// the same headline columns.
func ParseListing(html, bodyText string) (*record.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	if strings.TrimSpace(bodyText) == "" {
		bodyText = doc.Find("body").Text()
	}

	rec := record.New()
	rec.Set("address", firstText(doc, "h1", `[data-testid="bdp-property-address"]`))

	if price := firstText(doc, `[data-testid="price"], span[class*="StyledPrice" i]`); !price.IsNull() {
		rec.Set("price", price)
	} else {
		rec.Set("price", matchOrNull(pricePattern, bodyText, 0, ""))
	}
	rec.Set("zestimate", matchOrNull(zestimatePattern, bodyText, 1, "$"))
	rec.Set("estimated_sales_range", matchOrNull(salesRangePattern, bodyText, 1, ""))
	rec.Set("rent_zestimate", matchOrNull(rentPattern, bodyText, 1, "$"))

	for _, f := range facts(doc) {
		rec.SetString("fact_"+f.key, f.value)
	}

	rec.Set("price_history", historyRows(doc, priceHistoryTitle))
	rec.Set("public_tax_history", historyRows(doc, taxHistoryTitle))
	return rec, nil
}

// firstText returns the trimmed text of the first selector that matches a
// non-empty element.
func firstText(doc *goquery.Document, selectors ...string) record.Value {
	for _, sel := range selectors {
		text := cleanText(doc.Find(sel).First().Text())
		if text != "" {
			return record.String(text)
		}
	}
	return record.Null()
}

func matchOrNull(re *regexp.Regexp, text string, group int, prefix string) record.Value {
	m := re.FindStringSubmatch(text)
	if len(m) <= group {
		return record.Null()
	}
	return record.String(prefix + strings.TrimSpace(m[group]))
}

type fact struct {
	key   string
	value string
}

// facts collects "Key: value" list items from fact containers and from lists
// that follow fact-section headings. Identical items are read once; a later
// item with the same key overwrites the value.
func facts(doc *goquery.Document) []fact {
	seen := make(map[string]struct{})
	index := make(map[string]int)
	var out []fact
	add := func(_ int, li *goquery.Selection) {
		text := strings.TrimSpace(li.Text())
		if !strings.Contains(text, ":") {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		rawKey, val, _ := strings.Cut(text, ":")
		rawKey = strings.TrimSpace(rawKey)
		val = cleanText(val)
		if rawKey == "" || val == "" || len(rawKey) >= maxFactKeyLen {
			return
		}
		key := FactKey(rawKey)
		if key == "" {
			return
		}
		if i, ok := index[key]; ok {
			out[i].value = val
			return
		}
		index[key] = len(out)
		out = append(out, fact{key: key, value: val})
	}

	for _, sel := range factSelectors {
		doc.Find(sel).Each(add)
	}
	doc.Find("h4, h5, h6").Each(func(_ int, h *goquery.Selection) {
		title := strings.ToLower(strings.TrimSpace(h.Text()))
		if !isFactSection(title) {
			return
		}
		h.Next().Find("li").Each(add)
	})
	return out
}

func isFactSection(title string) bool {
	for _, s := range factSections {
		if strings.Contains(title, s) {
			return true
		}
	}
	return false
}

// FactKey normalizes a fact label into a column suffix, e.g.
// "Lot size / Acres" becomes "lot_size_acres" and "HOA fee ($)" becomes
// "hoa_fee".
func FactKey(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = factKeySeparators.ReplaceAllString(key, "_")
	return strings.Trim(factKeyInvalid.ReplaceAllString(key, ""), "_")
}

// historyRows returns the first three cells of every body row of tables
// whose enclosing section is titled by title, or null when there are none.
func historyRows(doc *goquery.Document, title *regexp.Regexp) record.Value {
	var rows []record.Value
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		header := table.Closest("section, div").Find("h2, h3, h4, h5").First()
		if header.Length() == 0 || !title.MatchString(header.Text()) {
			return
		}
		table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
			cells := tr.Find("td")
			if cells.Length() < 3 {
				return
			}
			row := make([]string, 0, 3)
			cells.Slice(0, 3).Each(func(_ int, td *goquery.Selection) {
				row = append(row, cleanText(td.Text()))
			})
			rows = append(rows, record.Strings(row...))
		})
	})
	if len(rows) == 0 {
		return record.Null()
	}
	return record.List(rows...)
}
