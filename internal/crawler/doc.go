// Package crawler defines the contracts shared by the extraction pipeline
// (target references, browser sessions, extraction strategies) and implements
// the pagination crawl that enumerates listing targets under a cap.
package crawler
