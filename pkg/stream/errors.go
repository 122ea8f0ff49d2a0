package stream

import "fmt"

// FailureReason classifies why a source URL could not be resolved.
type FailureReason int

const (
	// Unreachable covers network and transport failures while fetching.
	Unreachable FailureReason = iota
	// Malformed means the document parsed as no known playlist format.
	Malformed
	// Empty means a playlist held no entry with a supported scheme.
	Empty
)

func (r FailureReason) String() string {
	switch r {
	case Unreachable:
		return "unreachable"
	case Malformed:
		return "malformed"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}

// ResolutionError reports a failed attempt to turn a source URL into a
// playable one. Callers branch on Reason; the wrapped error carries the
// transport detail.
type ResolutionError struct {
	URL    string
	Reason FailureReason
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.URL, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func resolutionErr(url string, reason FailureReason, err error) *ResolutionError {
	return &ResolutionError{URL: url, Reason: reason, Err: err}
}
