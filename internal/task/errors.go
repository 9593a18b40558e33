package task

import "errors"

// Sentinel errors for the engine's failure taxonomy. Checked with errors.Is up the
// call stack from the Segment Worker through the Manager to the Task's ErrorMessage
// field, matching the precedent of internal/engine/http.go's ErrLinkExpired.
var (
	// ErrTransientNetwork covers TCP reset, read timeout, short read.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrSessionExpired covers 401/403/410 and HTML-landing-page detection.
	ErrSessionExpired = errors.New("session expired")

	// ErrRangeUnsupported names an origin that does not honor Range requests.
	// Discovery does not return it: such a task is demoted to single-segment
	// streaming instead.
	ErrRangeUnsupported = errors.New("range requests not supported")

	// ErrDiskSpace signals insufficient free space before spawning workers.
	ErrDiskSpace = errors.New("insufficient disk space")

	// ErrCorrupt names a start/end hash mismatch. Resume-safety does not return
	// it: on a mismatch it resets the segment and marks the task unstable.
	ErrCorrupt = errors.New("segment hash mismatch")

	// ErrFinalization covers missing/empty file or rename failure.
	ErrFinalization = errors.New("finalization failed")

	// ErrInvariantViolation signals a programmer error: a Task/Segment invariant
	// would be violated. Per policy this is surfaced and refused, never silently
	// repaired.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrHTMLLandingPage signals the no-range streaming fallback received an HTML
	// document instead of the expected binary payload.
	ErrHTMLLandingPage = errors.New("received HTML landing page instead of file")

	// ErrShortReceive signals the origin closed the connection after delivering
	// fewer bytes than a previously probed Content-Length promised.
	ErrShortReceive = errors.New("received fewer bytes than the probed content length")
)
