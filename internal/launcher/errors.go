package launcher

import (
	"fmt"
	"time"
)

// TimeoutError indicates the tool process exceeded its deadline and was
// killed. No process remains running once this is returned.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool process exceeded timeout of %s", e.Timeout)
}

// ExitError indicates the tool process finished with a non-zero status, or
// could not be started at all (Code -1). A non-zero exit is a hard failure
// for the attempt even when the output file was written.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tool process exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("tool process exited with code %d", e.Code)
}

// NoOutputError indicates the process exited cleanly but produced neither an
// output file nor anything on stdout.
type NoOutputError struct{}

func (e *NoOutputError) Error() string {
	return "tool process produced no output file and no stdout"
}
