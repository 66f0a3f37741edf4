package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/monitoring"
	"github.com/banshee-data/mapaccum/internal/security"
)

// PCDFileSink persists the final map as an ASCII PCD file. It implements
// pipeline.Persister.
type PCDFileSink struct {
	Path string

	// AllowedDirs restricts Path when non-empty.
	AllowedDirs []string
}

// Persist writes cloud to a temporary file next to Path and renames it
// into place, so readers never observe a partial map.
func (s PCDFileSink) Persist(ctx context.Context, cloud l4perception.PointCloud) error {
	if s.Path == "" {
		return fmt.Errorf("empty destination path")
	}
	if len(s.AllowedDirs) > 0 {
		if err := security.ValidatePathWithinAllowedDirs(s.Path, s.AllowedDirs); err != nil {
			monitoring.Warnf("[export] rejected destination %s: %v", s.Path, err)
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := WritePCDASCII(tmp, cloud); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("failed to move map into place: %w", err)
	}
	committed = true
	monitoring.Logf("[export] wrote %d points to %s", cloud.Len(), s.Path)
	return nil
}

// ReadPCDFile reads an ASCII PCD file from disk.
func ReadPCDFile(path string) (l4perception.PointCloud, PCDHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return l4perception.PointCloud{}, PCDHeader{}, err
	}
	defer f.Close()
	return ReadPCD(f)
}
