package pipeline

import (
	"context"
	"time"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

// TransformResolver supplies the rigid transform from source to target at
// a timestamp. Resolve blocks for at most timeout, or until ctx is done.
// Failures should match ErrTransformUnavailable; the pipeline wraps any
// other error so that they do.
type TransformResolver interface {
	Resolve(ctx context.Context, source, target string, at time.Time, timeout time.Duration) (l4perception.RigidTransform, error)
}

// Publisher receives a snapshot of the accumulated cloud after every
// successful cycle. The cloud is a private copy. Publish must not block.
type Publisher interface {
	Publish(cloud l4perception.PointCloud)
}

// Persister writes the final accumulated cloud. It is called once, at
// shutdown.
type Persister interface {
	Persist(ctx context.Context, cloud l4perception.PointCloud) error
}

// CycleRecorder stores a record of every processed batch. Recording
// failures are logged and never fail the cycle.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, result CycleResult) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(cloud l4perception.PointCloud)

func (f PublisherFunc) Publish(cloud l4perception.PointCloud) { f(cloud) }

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, cloud l4perception.PointCloud) error

func (f PersisterFunc) Persist(ctx context.Context, cloud l4perception.PointCloud) error {
	return f(ctx, cloud)
}

// MultiPublisher fans a snapshot out to several publishers. Each one
// receives its own copy.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(cloud l4perception.PointCloud) {
	for i, p := range m {
		if p == nil {
			continue
		}
		if i == len(m)-1 {
			p.Publish(cloud)
			continue
		}
		p.Publish(cloud.Clone())
	}
}
