package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	listingIDPattern = regexp.MustCompile(`(\d+)_zpid`)
	pageSegment      = regexp.MustCompile(`(\d+)_p(/|$)`)
)

// NormalizeEntry validates a search entry point and standardizes it: the
// scheme and host are lowercased, default ports and fragments are removed.
// The query is kept because search pages encode their filters there.
func NormalizeEntry(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidEntry, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEntry)
	}
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	return u.String(), nil
}

// CanonicalURL strips the query and fragment from raw.
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	return u.String()
}

// DedupKey returns the listing id embedded in raw, or the canonical URL when
// the address carries none.
func DedupKey(raw string) string {
	if m := listingIDPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return CanonicalURL(raw)
}

// NewTargetRef builds the reference for a listing address.
func NewTargetRef(raw string) TargetRef {
	return TargetRef{Key: DedupKey(raw), URL: CanonicalURL(raw)}
}

// NextPageURL derives the following results page by incrementing the N_p
// path segment, or by appending 2_p/ when the address has none.
func NextPageURL(current string) (string, error) {
	u, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	path := u.Path
	if loc := pageSegment.FindStringSubmatchIndex(path); loc != nil {
		n, convErr := strconv.Atoi(path[loc[2]:loc[3]])
		if convErr != nil {
			return "", fmt.Errorf("parse page number: %w", convErr)
		}
		path = path[:loc[2]] + strconv.Itoa(n+1) + path[loc[3]:]
	} else {
		if !strings.HasSuffix(path, "/") {
			path += "/"
		}
		path += "2_p/"
	}
	u.Path = path
	u.RawPath = ""
	u.Fragment = ""
	return u.String(), nil
}

func resolveURL(base, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}
