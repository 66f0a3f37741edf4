// Package tf resolves rigid transforms between named frames for the
// accumulation pipeline. It combines a static frame tree with any number
// of stamped transform sources and polls them until a deadline.
package tf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

// maxStaticFileSize caps static transform files, matching config files.
const maxStaticFileSize = 1 * 1024 * 1024

// ErrFrameCycle is returned when adding an edge would make the tree cyclic.
var ErrFrameCycle = errors.New("frame tree cycle")

// StaticEdge is one parent/child entry of a static transform file. The
// transform maps child coordinates into the parent frame.
type StaticEdge struct {
	Parent      string     `yaml:"parent" json:"parent"`
	Child       string     `yaml:"child" json:"child"`
	Translation [3]float64 `yaml:"translation" json:"translation"`
	Rotation    [4]float64 `yaml:"rotation" json:"rotation"` // qx, qy, qz, qw
}

type staticFile struct {
	Transforms []StaticEdge `yaml:"transforms"`
}

// StaticTree is an in-memory tree of time-invariant transforms. Each
// frame has at most one parent. Safe for concurrent use.
type StaticTree struct {
	mu     sync.RWMutex
	parent map[string]l4perception.RigidTransform // child -> (child -> parent)
}

// NewStaticTree returns an empty tree.
func NewStaticTree() *StaticTree {
	return &StaticTree{parent: make(map[string]l4perception.RigidTransform)}
}

// LoadStaticTree reads a YAML static transform file.
func LoadStaticTree(path string) (*StaticTree, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat static transforms %s: %w", path, err)
	}
	if info.Size() > maxStaticFileSize {
		return nil, fmt.Errorf("static transforms file too large: %d bytes (max %d)", info.Size(), maxStaticFileSize)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("static transforms file must have .yaml or .yml extension, got %s", ext)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open static transforms %s: %w", path, err)
	}
	defer f.Close()
	return ParseStaticTree(f)
}

// ParseStaticTree decodes the YAML document
//
//	transforms:
//	  - {parent: /map, child: base_link, translation: [x, y, z], rotation: [qx, qy, qz, qw]}
func ParseStaticTree(r io.Reader) (*StaticTree, error) {
	var doc staticFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse static transforms: %w", err)
	}
	tree := NewStaticTree()
	for i, e := range doc.Transforms {
		if err := tree.AddEdge(e); err != nil {
			return nil, fmt.Errorf("static transform %d: %w", i, err)
		}
	}
	return tree, nil
}

// AddEdge inserts or replaces the parent of e.Child.
func (s *StaticTree) AddEdge(e StaticEdge) error {
	if e.Parent == "" || e.Child == "" {
		return fmt.Errorf("parent and child frames are required")
	}
	q := e.Rotation
	if q == [4]float64{} {
		q[3] = 1
	}
	tr, err := l4perception.NewRigidTransformFromQuaternion(e.Child, e.Parent, time.Time{}, q[0], q[1], q[2], q[3],
		r3.Vec{X: e.Translation[0], Y: e.Translation[1], Z: e.Translation[2]})
	if err != nil {
		return err
	}
	return s.Set(tr)
}

// Set records tr as the static edge from tr.Source() (child) to
// tr.Target() (parent). The stamp is ignored.
func (s *StaticTree) Set(tr l4perception.RigidTransform) error {
	child, parent := tr.Source(), tr.Target()
	if child == parent {
		return fmt.Errorf("%w: %s cannot be its own parent", ErrFrameCycle, child)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for f := parent; ; {
		if f == child {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrFrameCycle, child, parent)
		}
		up, ok := s.parent[f]
		if !ok {
			break
		}
		f = up.Target()
	}
	s.parent[child] = tr.WithStamp(time.Time{})
	return nil
}

// PutTransform lets the tree accept writes from the monitor API.
func (s *StaticTree) PutTransform(_ context.Context, tr l4perception.RigidTransform) error {
	return s.Set(tr)
}

// Edges returns every edge as a StaticEdge, in no particular order.
func (s *StaticTree) Edges() []StaticEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StaticEdge, 0, len(s.parent))
	for child, tr := range s.parent {
		qx, qy, qz, qw := tr.Quaternion()
		t := tr.Translation()
		out = append(out, StaticEdge{
			Parent:      tr.Target(),
			Child:       child,
			Translation: [3]float64{t.X, t.Y, t.Z},
			Rotation:    [4]float64{qx, qy, qz, qw},
		})
	}
	return out
}

// toRoot returns the transform from frame to its root and the root name.
func (s *StaticTree) toRoot(frame string) (l4perception.RigidTransform, string) {
	acc := l4perception.IdentityTransform(frame, time.Time{})
	f := frame
	for {
		up, ok := s.parent[f]
		if !ok {
			return acc, f
		}
		// up: f -> parent; acc: frame -> f
		next, err := up.Compose(acc)
		if err != nil {
			return acc, f
		}
		acc = next
		f = up.Target()
	}
}

// Ancestors returns the transforms from frame to each of its static
// ancestors, nearest first. A frame with no parent has none.
func (s *StaticTree) Ancestors(frame string) []l4perception.RigidTransform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []l4perception.RigidTransform
	acc := l4perception.IdentityTransform(frame, time.Time{})
	for f := frame; ; {
		up, ok := s.parent[f]
		if !ok {
			return out
		}
		next, err := up.Compose(acc)
		if err != nil {
			return out
		}
		acc = next
		out = append(out, acc)
		f = up.Target()
	}
}

// Lookup resolves source -> target when both frames share a root. The
// returned transform carries stamp at. Static edges hold at every time.
func (s *StaticTree) Lookup(_ context.Context, source, target string, at time.Time) (l4perception.RigidTransform, bool, error) {
	if source == target {
		return l4perception.IdentityTransform(source, at), true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	srcToRoot, srcRoot := s.toRoot(source)
	dstToRoot, dstRoot := s.toRoot(target)
	if srcRoot != dstRoot {
		return l4perception.RigidTransform{}, false, nil
	}
	// source -> root -> target
	tr, err := dstToRoot.Inverse().Compose(srcToRoot)
	if err != nil {
		return l4perception.RigidTransform{}, false, err
	}
	return tr.WithStamp(at), true, nil
}
