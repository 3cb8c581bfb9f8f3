package v1

// ProcessStatus represents the lifecycle state of a managed worker process.
// Values are the exact strings stored in the Redis status hashes.
type ProcessStatus string

const (
	StatusNotFound         ProcessStatus = "not_found"
	StatusStopped          ProcessStatus = "stopped"
	StatusStarting         ProcessStatus = "starting"
	StatusInitializing     ProcessStatus = "initializing"
	StatusRunning          ProcessStatus = "running"
	StatusStopping         ProcessStatus = "stopping"
	StatusError            ProcessStatus = "error"
	StatusErrorProcessLost ProcessStatus = "error_process_lost"
	StatusErrorStartFailed ProcessStatus = "error_start_failed"
	StatusErrorStopFailed  ProcessStatus = "error_stop_failed"
	StatusRestarting       ProcessStatus = "restarting"
)

// IsLive reports whether the status implies a process that should be running.
// A start request against a live status is idempotent, and a live record with
// a dead PID is reconciled to error_process_lost on read.
func (s ProcessStatus) IsLive() bool {
	switch s {
	case StatusStarting, StatusInitializing, StatusRunning:
		return true
	}
	return false
}

// IsError reports whether the status is one of the error states.
func (s ProcessStatus) IsError() bool {
	switch s {
	case StatusError, StatusErrorProcessLost, StatusErrorStartFailed, StatusErrorStopFailed:
		return true
	}
	return false
}
