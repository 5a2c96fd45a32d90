package acquisition

import "errors"

var (
	// ErrTransientDevice marks a device fault that ends the current cycle
	// only: no actuator answered, the axis is missing, or a link dropped.
	ErrTransientDevice = errors.New("transient device fault")
	// ErrRunTooShort is returned when quality gating left fewer samples
	// than the detrend needs.
	ErrRunTooShort = errors.New("run too short")
	// ErrWatchdog is returned when the stream and sweep did not finish
	// within the bounded wait.
	ErrWatchdog = errors.New("cycle watchdog expired")
	// ErrCollectionRunning is returned by StartCollection while a loop is
	// already active.
	ErrCollectionRunning = errors.New("collection already running")
)
