package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

// TransformSample is one stored, stamped transform.
type TransformSample struct {
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	StampNs     int64      `json:"stamp_ns"`
	Translation [3]float64 `json:"translation"`
	Rotation    [4]float64 `json:"rotation"` // qx, qy, qz, qw
}

// Transform converts the sample into a RigidTransform.
func (s TransformSample) Transform() (l4perception.RigidTransform, error) {
	q := s.Rotation
	return l4perception.NewRigidTransformFromQuaternion(s.Source, s.Target, time.Unix(0, s.StampNs),
		q[0], q[1], q[2], q[3], r3.Vec{X: s.Translation[0], Y: s.Translation[1], Z: s.Translation[2]})
}

func sampleOf(tr l4perception.RigidTransform) TransformSample {
	qx, qy, qz, qw := tr.Quaternion()
	t := tr.Translation()
	return TransformSample{
		Source:      tr.Source(),
		Target:      tr.Target(),
		StampNs:     tr.Stamp().UnixNano(),
		Translation: [3]float64{t.X, t.Y, t.Z},
		Rotation:    [4]float64{qx, qy, qz, qw},
	}
}

// TransformStore persists stamped transforms and answers lookups by
// interpolating between the samples that bracket the requested time.
type TransformStore struct {
	db *sql.DB
}

// NewTransformStore creates a TransformStore on db.
func NewTransformStore(db *sql.DB) *TransformStore {
	return &TransformStore{db: db}
}

// Put stores tr, replacing any sample with the same frames and stamp.
func (s *TransformStore) Put(ctx context.Context, tr l4perception.RigidTransform) error {
	if tr.Source() == "" || tr.Target() == "" {
		return fmt.Errorf("insert transform: source and target frames are required")
	}
	smp := sampleOf(tr)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transforms (
			source_frame, target_frame, stamp_ns, tx, ty, tz, qx, qy, qz, qw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		smp.Source, smp.Target, smp.StampNs,
		smp.Translation[0], smp.Translation[1], smp.Translation[2],
		smp.Rotation[0], smp.Rotation[1], smp.Rotation[2], smp.Rotation[3],
	)
	if err != nil {
		return fmt.Errorf("insert transform %s -> %s: %w", smp.Source, smp.Target, err)
	}
	return nil
}

// PutTransform is Put under the name the monitor API expects.
func (s *TransformStore) PutTransform(ctx context.Context, tr l4perception.RigidTransform) error {
	return s.Put(ctx, tr)
}

// Lookup returns the transform from source to target at. A stored
// target->source edge is inverted. Between two samples the translation
// is interpolated linearly and the rotation by slerp. Times outside the
// stored range are not found: the store never extrapolates.
func (s *TransformStore) Lookup(ctx context.Context, source, target string, at time.Time) (l4perception.RigidTransform, bool, error) {
	tr, ok, err := s.lookupDirected(ctx, source, target, at)
	if err != nil || ok {
		return tr, ok, err
	}
	inv, ok, err := s.lookupDirected(ctx, target, source, at)
	if err != nil || !ok {
		return l4perception.RigidTransform{}, false, err
	}
	return inv.Inverse(), true, nil
}

func (s *TransformStore) lookupDirected(ctx context.Context, source, target string, at time.Time) (l4perception.RigidTransform, bool, error) {
	ns := at.UnixNano()
	before, err := s.sample(ctx, `
		SELECT source_frame, target_frame, stamp_ns, tx, ty, tz, qx, qy, qz, qw
		FROM transforms
		WHERE source_frame = ? AND target_frame = ? AND stamp_ns <= ?
		ORDER BY stamp_ns DESC LIMIT 1`, source, target, ns)
	if err != nil || before == nil {
		return l4perception.RigidTransform{}, false, err
	}
	if before.StampNs == ns {
		tr, err := before.Transform()
		return tr, err == nil, err
	}
	after, err := s.sample(ctx, `
		SELECT source_frame, target_frame, stamp_ns, tx, ty, tz, qx, qy, qz, qw
		FROM transforms
		WHERE source_frame = ? AND target_frame = ? AND stamp_ns > ?
		ORDER BY stamp_ns ASC LIMIT 1`, source, target, ns)
	if err != nil || after == nil {
		return l4perception.RigidTransform{}, false, err
	}
	alpha := float64(ns-before.StampNs) / float64(after.StampNs-before.StampNs)
	tr, err := Interpolate(*before, *after, alpha).Transform()
	if err != nil {
		return l4perception.RigidTransform{}, false, err
	}
	return tr.WithStamp(at), true, nil
}

func (s *TransformStore) sample(ctx context.Context, query string, args ...interface{}) (*TransformSample, error) {
	var smp TransformSample
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&smp.Source, &smp.Target, &smp.StampNs,
		&smp.Translation[0], &smp.Translation[1], &smp.Translation[2],
		&smp.Rotation[0], &smp.Rotation[1], &smp.Rotation[2], &smp.Rotation[3],
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query transform: %w", err)
	}
	return &smp, nil
}

// List returns up to limit samples ordered by frames then stamp.
func (s *TransformStore) List(ctx context.Context, limit int) ([]TransformSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_frame, target_frame, stamp_ns, tx, ty, tz, qx, qy, qz, qw
		FROM transforms
		ORDER BY source_frame, target_frame, stamp_ns
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transforms: %w", err)
	}
	defer rows.Close()

	var out []TransformSample
	for rows.Next() {
		var smp TransformSample
		if err := rows.Scan(
			&smp.Source, &smp.Target, &smp.StampNs,
			&smp.Translation[0], &smp.Translation[1], &smp.Translation[2],
			&smp.Rotation[0], &smp.Rotation[1], &smp.Rotation[2], &smp.Rotation[3],
		); err != nil {
			return nil, fmt.Errorf("scan transform: %w", err)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Interpolate blends a and b at alpha in [0,1]: linear in translation,
// spherical-linear in rotation along the shorter arc. The result keeps
// a's frames and a stamp interpolated between the two.
func Interpolate(a, b TransformSample, alpha float64) TransformSample {
	out := TransformSample{
		Source:  a.Source,
		Target:  a.Target,
		StampNs: a.StampNs + int64(alpha*float64(b.StampNs-a.StampNs)),
	}
	for i := range out.Translation {
		out.Translation[i] = a.Translation[i] + alpha*(b.Translation[i]-a.Translation[i])
	}

	qa := quat.Number{Real: a.Rotation[3], Imag: a.Rotation[0], Jmag: a.Rotation[1], Kmag: a.Rotation[2]}
	qb := quat.Number{Real: b.Rotation[3], Imag: b.Rotation[0], Jmag: b.Rotation[1], Kmag: b.Rotation[2]}
	qa = quat.Scale(1/quat.Abs(qa), qa)
	qb = quat.Scale(1/quat.Abs(qb), qb)
	if qa.Real*qb.Real+qa.Imag*qb.Imag+qa.Jmag*qb.Jmag+qa.Kmag*qb.Kmag < 0 {
		qb = quat.Scale(-1, qb)
	}
	// qa * (qa⁻¹ qb)^alpha
	q := quat.Mul(qa, quat.PowReal(quat.Mul(quat.Conj(qa), qb), alpha))
	q = quat.Scale(1/quat.Abs(q), q)
	out.Rotation = [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
	return out
}
