package app

// StopReason records why Run returned, for the final log line.
type StopReason string

const (
	StopCompleted  StopReason = "completed"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
