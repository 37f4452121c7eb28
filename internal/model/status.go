package model

// BatchStatus represents the lifecycle state of a batch. These values
// must match the text values stored in the database (batches.status).
type BatchStatus string

const (
	BatchPending        BatchStatus = "pending"
	BatchProcessing     BatchStatus = "processing"
	BatchCompleted      BatchStatus = "completed"
	BatchFailed         BatchStatus = "failed"
	BatchPartialSuccess BatchStatus = "partial_success"
)

// IsTerminal reports whether no further status change is expected.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchPartialSuccess:
		return true
	}
	return false
}

// HasOutputs reports whether a batch in this status carries a bundle.
func (s BatchStatus) HasOutputs() bool {
	return s == BatchCompleted || s == BatchPartialSuccess
}

// UnitStatus represents the lifecycle state of a single unit
// (units.status). Transitions are monotonic:
// pending -> processing -> completed|failed.
type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitProcessing UnitStatus = "processing"
	UnitCompleted  UnitStatus = "completed"
	UnitFailed     UnitStatus = "failed"
)

// IsTerminal reports whether the unit has reached completed or failed.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitCompleted || s == UnitFailed
}

// NonTerminalUnitStatuses lists the statuses that keep a batch open.
var NonTerminalUnitStatuses = []UnitStatus{UnitPending, UnitProcessing}

// CanTransition reports whether a unit may move from one status to another.
// Re-entering processing from processing is allowed so that a redelivered
// task can resume a unit whose worker died mid-conversion.
func CanTransition(from, to UnitStatus) bool {
	switch from {
	case UnitPending:
		return to == UnitProcessing
	case UnitProcessing:
		return to == UnitProcessing || to.IsTerminal()
	}
	return false
}

// BundleStatus tracks the result archive of a terminal batch separately
// from the batch status so a failed archive is visible to callers.
type BundleStatus string

const (
	BundleNone   BundleStatus = "none"
	BundleReady  BundleStatus = "ready"
	BundleFailed BundleStatus = "failed"
)

// Aggregate computes the terminal batch status from unit counts. It must
// only be called once every unit is terminal.
func Aggregate(total, failed int) BatchStatus {
	switch {
	case total > 0 && failed == total:
		return BatchFailed
	case failed > 0:
		return BatchPartialSuccess
	default:
		return BatchCompleted
	}
}
