package crawler

import "errors"

var (
	// ErrSessionUnavailable wraps failures to lease a browser session.
	ErrSessionUnavailable = errors.New("browser session unavailable")
	// ErrEntryUnreachable marks a crawl that could not load its entry page.
	ErrEntryUnreachable = errors.New("search entry point unreachable")
	// ErrNoPages is returned when no further results page can be derived.
	ErrNoPages = errors.New("no further result pages")
	// ErrInvalidEntry rejects submissions that are not absolute http(s) URLs.
	ErrInvalidEntry = errors.New("invalid search entry point")
)

// TargetRef is one deduplicated extraction target. Key is stable across query
// decorations of the same listing; URL is the canonical address to visit.
type TargetRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}
