package sharedstore

// Control signals published on a run's control channels
const (
	SignalStop      = "STOP"
	SignalEndStream = "END_STREAM"
	SignalError     = "ERROR"

	// NotifyNewResponse is the payload of new-event notifications
	NotifyNewResponse = "new"
	// LivenessValue marks a live run
	LivenessValue = "running"
)

// LockKey is the idempotency lock of a run
func LockKey(runID string) string {
	return "agent_run_lock:" + runID
}

// LivenessKey proves workerID is driving runID
func LivenessKey(workerID, runID string) string {
	return "active_run:" + workerID + ":" + runID
}

// LivenessPattern matches the liveness keys of a run on any worker
func LivenessPattern(runID string) string {
	return "active_run:*:" + runID
}

// LivenessPrefix matches every liveness key
const LivenessPrefix = "active_run:"

// ResponsesKey is the list of serialized events of a run
func ResponsesKey(runID string) string {
	return "agent_run:" + runID + ":responses"
}

// NewResponseChannel announces appends to ResponsesKey
func NewResponseChannel(runID string) string {
	return "agent_run:" + runID + ":new_response"
}

// ControlChannel is the run-global control channel
func ControlChannel(runID string) string {
	return "agent_run:" + runID + ":control"
}

// InstanceControlChannel is the control channel of one worker's copy of a run
func InstanceControlChannel(runID, workerID string) string {
	return "agent_run:" + runID + ":control:" + workerID
}

// WorkerFromLivenessKey extracts the worker id from a liveness key of runID
func WorkerFromLivenessKey(key, runID string) (string, bool) {
	suffix := ":" + runID
	if len(key) <= len(LivenessPrefix)+len(suffix) {
		return "", false
	}
	if key[:len(LivenessPrefix)] != LivenessPrefix || key[len(key)-len(suffix):] != suffix {
		return "", false
	}
	return key[len(LivenessPrefix) : len(key)-len(suffix)], true
}
