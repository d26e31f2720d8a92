package app

// StopReason labels why the app is shutting down. It only feeds the
// final log lines; no behavior branches on it beyond the exit code.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)
