package crawler

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const listingLinkSelector = `a[href*="/homedetails/"]`

// Structural next-page controls in order of preference.
var nextPageSelectors = []string{
	`a[rel="next"]`,
	`a[title="Next page"]`,
	`[aria-label="Next page"]`,
}

// ExtractTargets returns the listing references on a rendered results page in
// document order, deduplicated by key. Relative links resolve against base.
func ExtractTargets(html, base string) ([]TargetRef, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}
	return targetsFromDocument(doc, base), nil
}

func targetsFromDocument(doc *goquery.Document, base string) []TargetRef {
	seen := make(map[string]struct{})
	var refs []TargetRef
	doc.Find(listingLinkSelector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		abs, err := resolveURL(base, href)
		if err != nil {
			return
		}
		ref := NewTargetRef(abs)
		if _, dup := seen[ref.Key]; dup {
			return
		}
		seen[ref.Key] = struct{}{}
		refs = append(refs, ref)
	})
	return refs
}

// nextControl describes the first structural next-page control found.
type nextControl struct {
	selector string
	href     string
}

func findNextControl(doc *goquery.Document) (nextControl, bool) {
	for _, sel := range nextPageSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if _, disabled := node.Attr("disabled"); disabled {
			continue
		}
		if v, _ := node.Attr("aria-disabled"); v == "true" {
			continue
		}
		href, _ := node.Attr("href")
		href = strings.TrimSpace(href)
		if href == "#" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			href = ""
		}
		return nextControl{selector: sel, href: href}, true
	}
	return nextControl{}, false
}
