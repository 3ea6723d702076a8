package judge

import "fmt"

// UnavailableError wraps a network, timeout, or engine-side failure: the
// submission may or may not have reached the engine. Callers may retry.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("judge engine unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// RejectedError means the engine declined the request as malformed. Retrying
// the same payload will not help.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("judge engine rejected request (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("judge engine rejected request (HTTP %d): %s", e.StatusCode, e.Body)
}
