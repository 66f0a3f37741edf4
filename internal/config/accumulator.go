package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults for fields omitted from the configuration file.
const (
	DefaultDestinationPath  = "/tmp/output.pcd"
	DefaultVoxelSize        = 0.05
	DefaultReferenceFrame   = "/map"
	DefaultTransformTimeout = 3 * time.Second
	DefaultHTTPListen       = ":8082"
	DefaultPCAPPort         = 2370
	DefaultLogLevel         = "info"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// AccumulatorConfig is the configuration of the map accumulator. Every
// field is optional; the Get* methods supply defaults for fields left
// nil, so partial files are safe.
type AccumulatorConfig struct {
	DestinationPath  *string  `json:"destination_path,omitempty" yaml:"destination_path,omitempty"`
	VoxelSize        *float64 `json:"voxel_size,omitempty" yaml:"voxel_size,omitempty"`
	ReferenceFrame   *string  `json:"reference_frame,omitempty" yaml:"reference_frame,omitempty"`
	TransformTimeout *string  `json:"transform_timeout,omitempty" yaml:"transform_timeout,omitempty"` // duration string like "3s"

	// Inputs
	UDPListen *string `json:"udp_listen,omitempty" yaml:"udp_listen,omitempty"` // empty disables
	PCAPFile  *string `json:"pcap_file,omitempty" yaml:"pcap_file,omitempty"`
	PCAPPort  *int    `json:"pcap_port,omitempty" yaml:"pcap_port,omitempty"`

	// Transforms
	TFDBPath         *string `json:"tf_db_path,omitempty" yaml:"tf_db_path,omitempty"`
	StaticTransforms *string `json:"static_transforms,omitempty" yaml:"static_transforms,omitempty"`

	// Outputs
	HTTPListen        *string  `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`
	GRPCListen        *string  `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	RenderPNG         *string  `json:"render_png,omitempty" yaml:"render_png,omitempty"`
	AllowedExportDirs []string `json:"allowed_export_dirs,omitempty" yaml:"allowed_export_dirs,omitempty"`

	LogLevel *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultAccumulatorConfig returns a configuration with every field set
// to its default.
func DefaultAccumulatorConfig() *AccumulatorConfig {
	return &AccumulatorConfig{
		DestinationPath:  ptrString(DefaultDestinationPath),
		VoxelSize:        ptrFloat64(DefaultVoxelSize),
		ReferenceFrame:   ptrString(DefaultReferenceFrame),
		TransformTimeout: ptrString(DefaultTransformTimeout.String()),
		UDPListen:        ptrString(""),
		PCAPFile:         ptrString(""),
		PCAPPort:         ptrInt(DefaultPCAPPort),
		TFDBPath:         ptrString(""),
		StaticTransforms: ptrString(""),
		HTTPListen:       ptrString(DefaultHTTPListen),
		GRPCListen:       ptrString(""),
		RenderPNG:        ptrString(""),
		LogLevel:         ptrString(DefaultLogLevel),
	}
}

// LoadAccumulatorConfig loads a configuration from a .json, .yaml or .yml
// file of at most 1MB and validates it. Unknown keys are rejected.
func LoadAccumulatorConfig(path string) (*AccumulatorConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// An empty file leaves every field at its default.
	cfg := &AccumulatorConfig{}
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *AccumulatorConfig) Validate() error {
	if c.VoxelSize != nil {
		v := *c.VoxelSize
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: voxel_size must be a positive finite number, got %v", ErrInvalidConfig, v)
		}
	}
	if c.ReferenceFrame != nil && strings.TrimSpace(*c.ReferenceFrame) == "" {
		return fmt.Errorf("%w: reference_frame must not be empty", ErrInvalidConfig)
	}
	if c.DestinationPath != nil && strings.TrimSpace(*c.DestinationPath) == "" {
		return fmt.Errorf("%w: destination_path must not be empty", ErrInvalidConfig)
	}
	if c.TransformTimeout != nil && *c.TransformTimeout != "" {
		d, err := time.ParseDuration(*c.TransformTimeout)
		if err != nil {
			return fmt.Errorf("%w: invalid transform_timeout '%s': %v", ErrInvalidConfig, *c.TransformTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: transform_timeout must be positive, got %s", ErrInvalidConfig, d)
		}
	}
	if c.PCAPPort != nil && (*c.PCAPPort < 0 || *c.PCAPPort > 65535) {
		return fmt.Errorf("%w: pcap_port must be between 0 and 65535, got %d", ErrInvalidConfig, *c.PCAPPort)
	}
	if c.LogLevel != nil {
		switch *c.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("%w: log_level must be one of debug, info, warn, error; got %q", ErrInvalidConfig, *c.LogLevel)
		}
	}
	for _, dir := range c.AllowedExportDirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("%w: allowed_export_dirs contains an empty entry", ErrInvalidConfig)
		}
	}
	return nil
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// GetDestinationPath returns the destination_path value or the default.
func (c *AccumulatorConfig) GetDestinationPath() string {
	return stringOr(c.DestinationPath, DefaultDestinationPath)
}

// GetVoxelSize returns the voxel_size value or the default.
func (c *AccumulatorConfig) GetVoxelSize() float64 {
	if c.VoxelSize == nil {
		return DefaultVoxelSize
	}
	return *c.VoxelSize
}

// GetReferenceFrame returns the reference_frame value or the default.
func (c *AccumulatorConfig) GetReferenceFrame() string {
	return stringOr(c.ReferenceFrame, DefaultReferenceFrame)
}

// GetTransformTimeout parses and returns the TransformTimeout as a time.Duration.
func (c *AccumulatorConfig) GetTransformTimeout() time.Duration {
	if c.TransformTimeout == nil || *c.TransformTimeout == "" {
		return DefaultTransformTimeout
	}
	d, err := time.ParseDuration(*c.TransformTimeout)
	if err != nil || d <= 0 {
		return DefaultTransformTimeout
	}
	return d
}

func (c *AccumulatorConfig) GetUDPListen() string { return stringOr(c.UDPListen, "") }
func (c *AccumulatorConfig) GetPCAPFile() string  { return stringOr(c.PCAPFile, "") }

// GetPCAPPort returns the UDP destination port replayed from pcap files.
// 0 replays every UDP packet.
func (c *AccumulatorConfig) GetPCAPPort() int {
	if c.PCAPPort == nil {
		return DefaultPCAPPort
	}
	return *c.PCAPPort
}

func (c *AccumulatorConfig) GetTFDBPath() string         { return stringOr(c.TFDBPath, "") }
func (c *AccumulatorConfig) GetStaticTransforms() string { return stringOr(c.StaticTransforms, "") }
func (c *AccumulatorConfig) GetHTTPListen() string       { return stringOr(c.HTTPListen, DefaultHTTPListen) }
func (c *AccumulatorConfig) GetGRPCListen() string       { return stringOr(c.GRPCListen, "") }
func (c *AccumulatorConfig) GetRenderPNG() string        { return stringOr(c.RenderPNG, "") }
func (c *AccumulatorConfig) GetLogLevel() string         { return stringOr(c.LogLevel, DefaultLogLevel) }
