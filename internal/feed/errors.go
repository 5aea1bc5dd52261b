package feed

import "fmt"

// FetchError is a transient network or HTTP failure while retrieving a
// feed. It is reported to the health monitor and retried on the next
// scheduled cycle, never immediately.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a malformed feed body. Often persistent for a broken
// source, but handled the same as a FetchError: non-fatal, counted against
// the source's health.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
