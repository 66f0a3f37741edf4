package pipeline

import "time"

// State is the pipeline's position in its per-batch state machine.
//
//	Idle -> Resolving -> Transforming -> Merging -> Downsampling -> Publishing -> Idle
//	Idle -> Finalizing -> Stopped
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateTransforming
	StateMerging
	StateDownsampling
	StatePublishing
	StateFinalizing
	StateStopped
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateResolving:    "resolving",
	StateTransforming: "transforming",
	StateMerging:      "merging",
	StateDownsampling: "downsampling",
	StatePublishing:   "publishing",
	StateFinalizing:   "finalizing",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// CycleStatus is the outcome of one OnBatch call.
type CycleStatus int

const (
	// CycleAccumulated: the batch was merged and the cloud downsampled.
	CycleAccumulated CycleStatus = iota
	// CycleDropped: no transform was available; the cloud is unchanged.
	CycleDropped
	// CycleFailed: downsampling failed; the cloud is unchanged.
	CycleFailed
)

func (s CycleStatus) String() string {
	switch s {
	case CycleAccumulated:
		return "accumulated"
	case CycleDropped:
		return "dropped"
	case CycleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CycleResult describes one processed batch.
type CycleResult struct {
	Seq         uint64 // 1-based, counts every batch offered before shutdown
	Status      CycleStatus
	FrameID     string // batch frame
	Timestamp   time.Time
	Input       int // points in the batch
	Excluded    int // non-finite points dropped during the transform
	Accumulated int // accumulated cloud size after the cycle
	Duration    time.Duration
	Err         error // nil for CycleAccumulated
}

// Stats is a cumulative summary of the pipeline since construction.
type Stats struct {
	State             State
	Cycles            uint64 // batches offered before shutdown
	Accumulated       uint64 // cycles with CycleAccumulated
	Warnings          uint64
	DroppedBatches    uint64
	FailedBatches     uint64
	InputPoints       uint64
	ExcludedPoints    uint64
	AccumulatedPoints int
	LastCycle         time.Time
	LastDuration      time.Duration
}
