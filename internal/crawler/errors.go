package crawler

import "errors"

// Driver errors. Page implementations wrap engine failures onto these so the
// pipeline can classify them without knowing the automation engine.
var (
	// ErrTimeout marks a navigation, wait or action that exceeded its deadline.
	ErrTimeout = errors.New("page operation timed out")
	// ErrElementNotFound marks a selector that matched nothing.
	ErrElementNotFound = errors.New("element not found")
	// ErrNotClickable marks an element that exists but cannot be clicked.
	ErrNotClickable = errors.New("element not clickable")
	// ErrScriptUnsupported is returned by drivers that cannot run page scripts.
	ErrScriptUnsupported = errors.New("page scripts not supported by driver")
)

// IsTimeout reports whether err is a transient page timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
