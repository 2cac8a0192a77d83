package utils

// Shared structured-log field names. Keeping them here means the supervisor,
// gateway, and pipeline components all tag the same concept the same way.
const (
	FieldWorker = "worker"
	FieldPID    = "pid"
	FieldSignal = "signal"
	FieldAddr   = "addr"
	FieldRunID  = "run_id"
	FieldJob    = "job"
	FieldStage  = "stage"
	FieldStatus = "status"
	FieldPath   = "path"
	FieldReason = "reason"
)
