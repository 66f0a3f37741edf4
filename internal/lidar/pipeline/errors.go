package pipeline

import "errors"

var (
	// ErrTransformUnavailable means no transform into the reference frame
	// could be resolved in time. The batch is dropped.
	ErrTransformUnavailable = errors.New("transform unavailable")

	// ErrStopped is returned for batches offered after Shutdown.
	ErrStopped = errors.New("pipeline stopped")

	// ErrPersistence wraps a failure of the final write at shutdown.
	ErrPersistence = errors.New("persisting accumulated cloud failed")

	// ErrInvalidPipelineConfig is returned by New for an unusable Config.
	ErrInvalidPipelineConfig = errors.New("invalid pipeline config")
)
