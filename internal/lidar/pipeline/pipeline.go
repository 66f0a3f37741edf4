package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/monitoring"
	"github.com/banshee-data/mapaccum/internal/timeutil"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultReferenceFrame   = "/map"
	DefaultVoxelSize        = 0.05
	DefaultTransformTimeout = 3 * time.Second
)

// Config holds the settings and collaborators of an AccumulationPipeline.
type Config struct {
	ReferenceFrame   string        // default "/map"
	VoxelSize        float64       // default 0.05
	TransformTimeout time.Duration // default 3s

	Resolver  TransformResolver // required
	Publisher Publisher         // optional
	Persister Persister         // optional; without it Shutdown only logs
	Recorder  CycleRecorder     // optional
	Metrics   *Metrics          // optional
	Clock     timeutil.Clock    // default timeutil.RealClock
}

// AccumulationPipeline owns the accumulated cloud and processes batches
// one at a time: resolve, transform, merge, downsample, publish. The
// cloud is persisted once at Shutdown.
type AccumulationPipeline struct {
	cfg Config

	// mu serialises OnBatch and Shutdown.
	mu           sync.Mutex
	seq          uint64
	shutdownDone bool
	shutdownErr  error

	// cloudMu guards cloud for Snapshot readers while a cycle resolves.
	cloudMu sync.RWMutex
	cloud   l4perception.PointCloud

	state atomic.Int32

	statsMu sync.Mutex
	stats   Stats
}

// New validates cfg and returns an idle pipeline holding an empty cloud
// tagged with the reference frame.
func New(cfg Config) (*AccumulationPipeline, error) {
	if cfg.ReferenceFrame == "" {
		cfg.ReferenceFrame = DefaultReferenceFrame
	}
	if cfg.VoxelSize == 0 {
		cfg.VoxelSize = DefaultVoxelSize
	}
	if cfg.TransformTimeout == 0 {
		cfg.TransformTimeout = DefaultTransformTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if err := l4perception.ValidateVoxelSize(cfg.VoxelSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPipelineConfig, err)
	}
	if cfg.TransformTimeout < 0 {
		return nil, fmt.Errorf("%w: negative transform timeout %v", ErrInvalidPipelineConfig, cfg.TransformTimeout)
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: resolver is required", ErrInvalidPipelineConfig)
	}

	p := &AccumulationPipeline{
		cfg:   cfg,
		cloud: l4perception.NewPointCloud(cfg.ReferenceFrame),
	}
	p.setState(StateIdle)
	return p, nil
}

// ReferenceFrame returns the frame of the accumulated cloud.
func (p *AccumulationPipeline) ReferenceFrame() string { return p.cfg.ReferenceFrame }

// VoxelSize returns the voxel edge length used for downsampling.
func (p *AccumulationPipeline) VoxelSize() float64 { return p.cfg.VoxelSize }

// State returns the current state. It never blocks.
func (p *AccumulationPipeline) State() State {
	return State(p.state.Load())
}

func (p *AccumulationPipeline) setState(s State) {
	p.state.Store(int32(s))
	p.cfg.Metrics.setState(s)
	tracef("state -> %s", s)
}

// Snapshot returns a deep copy of the accumulated cloud.
func (p *AccumulationPipeline) Snapshot() l4perception.PointCloud {
	p.cloudMu.RLock()
	defer p.cloudMu.RUnlock()
	return p.cloud.Clone()
}

// Stats returns a copy of the cumulative statistics.
func (p *AccumulationPipeline) Stats() Stats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()
	s.State = p.State()
	return s
}

// OnBatch runs one accumulation cycle for batch. Per-batch failures leave
// the accumulated cloud untouched:
//   - no transform: CycleDropped, error wraps ErrTransformUnavailable
//   - downsampling error: CycleFailed, error wraps the l4perception error
//
// After Shutdown it returns ErrStopped without touching any state.
func (p *AccumulationPipeline) OnBatch(ctx context.Context, batch l4perception.PointCloud) (CycleResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdownDone {
		return CycleResult{}, ErrStopped
	}

	start := p.cfg.Clock.Now()
	p.seq++
	res := CycleResult{
		Seq:       p.seq,
		FrameID:   batch.FrameID,
		Timestamp: batch.Timestamp,
		Input:     batch.Len(),
	}

	p.setState(StateResolving)
	tr, err := p.resolve(ctx, batch)
	if err != nil {
		res.Status = CycleDropped
		res.Err = err
		monitoring.Warnf("[pipeline] dropping batch %d (%d points, frame %q): %v", res.Seq, res.Input, batch.FrameID, err)
		return p.finish(ctx, res, start), err
	}

	p.setState(StateTransforming)
	transformed, tstats := l4perception.TransformCloud(batch, tr)
	transformed, unindexable := l4perception.DropUnindexable(transformed, p.cfg.VoxelSize)
	res.Excluded = tstats.Excluded + unindexable

	p.setState(StateMerging)
	p.cloudMu.RLock()
	merged := l4perception.Merge(p.cloud, transformed)
	p.cloudMu.RUnlock()

	p.setState(StateDownsampling)
	down, err := l4perception.VoxelGrid(merged, p.cfg.VoxelSize)
	if err != nil {
		err = fmt.Errorf("downsample batch %d: %w", res.Seq, err)
		res.Status = CycleFailed
		res.Err = err
		monitoring.Warnf("[pipeline] %v; accumulated cloud unchanged", err)
		return p.finish(ctx, res, start), err
	}
	down.FrameID = p.cfg.ReferenceFrame

	p.cloudMu.Lock()
	p.cloud = down
	p.cloudMu.Unlock()
	res.Status = CycleAccumulated

	if p.cfg.Publisher != nil {
		p.setState(StatePublishing)
		p.cfg.Publisher.Publish(down.Clone())
	}

	return p.finish(ctx, res, start), nil
}

// resolve fetches the batch transform and checks it lands in the
// reference frame. Every failure wraps ErrTransformUnavailable.
func (p *AccumulationPipeline) resolve(ctx context.Context, batch l4perception.PointCloud) (l4perception.RigidTransform, error) {
	ref := p.cfg.ReferenceFrame
	tr, err := p.cfg.Resolver.Resolve(ctx, batch.FrameID, ref, batch.Timestamp, p.cfg.TransformTimeout)
	if err != nil {
		if errors.Is(err, ErrTransformUnavailable) {
			return l4perception.RigidTransform{}, err
		}
		return l4perception.RigidTransform{}, fmt.Errorf("%w: %s -> %s: %w", ErrTransformUnavailable, batch.FrameID, ref, err)
	}
	if tr.Target() != ref {
		return l4perception.RigidTransform{}, fmt.Errorf("%w: resolver returned %s -> %s, want target %s",
			ErrTransformUnavailable, tr.Source(), tr.Target(), ref)
	}
	return tr, nil
}

// finish fills in the cycle's timing and size, updates stats, metrics
// and the recorder, and returns the pipeline to idle.
func (p *AccumulationPipeline) finish(ctx context.Context, res CycleResult, start time.Time) CycleResult {
	res.Duration = p.cfg.Clock.Since(start)

	p.cloudMu.RLock()
	res.Accumulated = p.cloud.Len()
	p.cloudMu.RUnlock()

	p.statsMu.Lock()
	p.stats.Cycles++
	switch res.Status {
	case CycleAccumulated:
		p.stats.Accumulated++
		p.stats.InputPoints += uint64(res.Input)
		p.stats.ExcludedPoints += uint64(res.Excluded)
	case CycleDropped:
		p.stats.Warnings++
		p.stats.DroppedBatches++
	case CycleFailed:
		p.stats.Warnings++
		p.stats.FailedBatches++
		p.stats.InputPoints += uint64(res.Input)
		p.stats.ExcludedPoints += uint64(res.Excluded)
	}
	p.stats.AccumulatedPoints = res.Accumulated
	p.stats.LastCycle = start
	p.stats.LastDuration = res.Duration
	p.statsMu.Unlock()

	p.cfg.Metrics.observeCycle(res)

	if p.cfg.Recorder != nil {
		if err := p.cfg.Recorder.RecordCycle(ctx, res); err != nil {
			monitoring.Warnf("[pipeline] failed to record cycle %d: %v", res.Seq, err)
		}
	}

	diagf("cycle %d %s: frame=%s input=%d excluded=%d accumulated=%d took=%v",
		res.Seq, res.Status, res.FrameID, res.Input, res.Excluded, res.Accumulated, res.Duration)

	p.setState(StateIdle)
	return res
}

// Shutdown stops the pipeline and persists the accumulated cloud exactly
// once. Later calls return the first call's result without persisting
// again. A persistence failure wraps ErrPersistence.
func (p *AccumulationPipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdownDone {
		return p.shutdownErr
	}

	p.setState(StateFinalizing)
	final := p.Snapshot()

	var err error
	if p.cfg.Persister != nil {
		if perr := p.cfg.Persister.Persist(ctx, final); perr != nil {
			err = fmt.Errorf("%w: %w", ErrPersistence, perr)
			monitoring.Logf("[pipeline] %v", err)
		} else {
			monitoring.Logf("[pipeline] persisted %d points in frame %s", final.Len(), final.FrameID)
		}
	} else {
		monitoring.Logf("[pipeline] no persister configured; discarding %d points", final.Len())
	}

	p.shutdownDone = true
	p.shutdownErr = err
	p.setState(StateStopped)
	return err
}

// Run processes batches until ctx is done or batches is closed, then
// calls Shutdown and returns its result. Per-batch errors are logged by
// OnBatch and do not stop the loop. When ctx is cancelled the final
// persistence still runs, detached from the cancellation.
func (p *AccumulationPipeline) Run(ctx context.Context, batches <-chan l4perception.PointCloud) error {
	for {
		select {
		case <-ctx.Done():
			return p.Shutdown(context.WithoutCancel(ctx))
		case batch, ok := <-batches:
			if !ok {
				return p.Shutdown(context.WithoutCancel(ctx))
			}
			if _, err := p.OnBatch(ctx, batch); errors.Is(err, ErrStopped) {
				return p.Shutdown(ctx)
			}
		}
	}
}
