// Command accumulate builds a point cloud map from batches received over
// UDP or replayed from a pcap file, and writes it as an ASCII PCD file
// when it shuts down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/mapaccum/internal/config"
	"github.com/banshee-data/mapaccum/internal/lidar/export"
	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/lidar/monitor"
	"github.com/banshee-data/mapaccum/internal/lidar/network"
	"github.com/banshee-data/mapaccum/internal/lidar/pipeline"
	"github.com/banshee-data/mapaccum/internal/lidar/storage/sqlite"
	"github.com/banshee-data/mapaccum/internal/lidar/tf"
	"github.com/banshee-data/mapaccum/internal/lidar/visualiser"
	"github.com/banshee-data/mapaccum/internal/monitoring"
	"github.com/banshee-data/mapaccum/internal/version"
)

// batchQueueSize bounds the batches waiting for the pipeline. Producers
// block when it is full.
const batchQueueSize = 64

// flags holds the command line. Flags that are set explicitly override
// the configuration file.
type flags struct {
	configFile       *string
	destination      *string
	voxelSize        *float64
	referenceFrame   *string
	transformTimeout *string
	udpListen        *string
	pcapFile         *string
	pcapPort         *int
	pcapSpeed        *float64
	tfDB             *string
	staticTransforms *string
	httpListen       *string
	grpcListen       *string
	renderPNG        *string
	allowedDirs      *string
	logLevel         *string
	rcvBuf           *int
	showVersion      *bool
}

func defineFlags(fs *flag.FlagSet) *flags {
	return &flags{
		configFile:       fs.String("config", "", "Path to a JSON or YAML configuration file"),
		destination:      fs.String("destination", config.DefaultDestinationPath, "Where to write the final PCD map"),
		voxelSize:        fs.Float64("voxel-size", config.DefaultVoxelSize, "Voxel edge length in metres"),
		referenceFrame:   fs.String("frame", config.DefaultReferenceFrame, "Reference frame of the accumulated map"),
		transformTimeout: fs.String("transform-timeout", config.DefaultTransformTimeout.String(), "How long to wait for each batch's transform"),
		udpListen:        fs.String("udp-listen", "", "UDP address to receive batches on (empty disables)"),
		pcapFile:         fs.String("pcap", "", "Replay batches from this pcap file"),
		pcapPort:         fs.Int("pcap-port", config.DefaultPCAPPort, "UDP destination port to replay from the pcap file"),
		pcapSpeed:        fs.Float64("pcap-speed", 0, "Replay speed multiplier (0 replays as fast as possible)"),
		tfDB:             fs.String("tf-db", "", "SQLite database of stamped transforms and the cycle log"),
		staticTransforms: fs.String("static-transforms", "", "YAML file of static transform edges"),
		httpListen:       fs.String("listen", config.DefaultHTTPListen, "HTTP listen address (empty disables)"),
		grpcListen:       fs.String("grpc-listen", "", "gRPC map stream address (empty disables)"),
		renderPNG:        fs.String("render", "", "Render a top-down image of the final map to this path"),
		allowedDirs:      fs.String("allowed-export-dirs", "", "Comma-separated directories the map may be written to"),
		logLevel:         fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn or error"),
		rcvBuf:           fs.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes"),
		showVersion:      fs.Bool("version", false, "Print the version and exit"),
	}
}

// load reads the configuration file, if any, and applies every flag the
// user set on fs.
func (f *flags) load(fs *flag.FlagSet) (*config.AccumulatorConfig, error) {
	cfg := config.DefaultAccumulatorConfig()
	if *f.configFile != "" {
		loaded, err := config.LoadAccumulatorConfig(*f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "destination":
			cfg.DestinationPath = f.destination
		case "voxel-size":
			cfg.VoxelSize = f.voxelSize
		case "frame":
			cfg.ReferenceFrame = f.referenceFrame
		case "transform-timeout":
			cfg.TransformTimeout = f.transformTimeout
		case "udp-listen":
			cfg.UDPListen = f.udpListen
		case "pcap":
			cfg.PCAPFile = f.pcapFile
		case "pcap-port":
			cfg.PCAPPort = f.pcapPort
		case "tf-db":
			cfg.TFDBPath = f.tfDB
		case "static-transforms":
			cfg.StaticTransforms = f.staticTransforms
		case "listen":
			cfg.HTTPListen = f.httpListen
		case "grpc-listen":
			cfg.GRPCListen = f.grpcListen
		case "render":
			cfg.RenderPNG = f.renderPNG
		case "allowed-export-dirs":
			cfg.AllowedExportDirs = splitList(*f.allowedDirs)
		case "log-level":
			cfg.LogLevel = f.logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	opts := defineFlags(flag.CommandLine)
	flag.Parse()

	if *opts.showVersion {
		fmt.Println(version.String())
		return 0
	}

	cfg, err := opts.load(flag.CommandLine)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	logger, err := monitoring.NewZapLogger(cfg.GetLogLevel(), zapcore.Lock(os.Stderr))
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck
	monitoring.UseZap(logger)
	pipeline.SetDebugLoggers(logger.Named("pipeline").Debugf, logger.Named("pipeline.trace").Debugf)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.Logf("[accumulate] %s", version.String())
	if err := run(ctx, cfg, runOptions{pcapSpeed: *opts.pcapSpeed, rcvBuf: *opts.rcvBuf}); err != nil {
		logger.Errorf("[accumulate] %v", err)
		return 1
	}
	return 0
}

type runOptions struct {
	pcapSpeed float64
	rcvBuf    int
}

// run wires the accumulator and blocks until ctx is cancelled or the
// input is exhausted. It returns the first fatal error, including a
// failure to persist the map.
func run(ctx context.Context, cfg *config.AccumulatorConfig, opts runOptions) error {
	if cfg.GetUDPListen() == "" && cfg.GetPCAPFile() == "" {
		return errors.New("no input configured: set udp_listen or pcap_file")
	}

	batches := make(chan l4perception.PointCloud, batchQueueSize)
	enqueue := func(ctx context.Context, batch l4perception.PointCloud) error {
		select {
		case batches <- batch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	packets := network.NewPacketStats(nil)

	// Every socket is bound before the pipeline exists, so a bind failure
	// exits without reaching Shutdown or the persistence sink.
	var udp *network.UDPListener
	if addr := cfg.GetUDPListen(); addr != "" {
		udp = network.NewUDPListener(network.UDPListenerConfig{
			Address: addr,
			RcvBuf:  opts.rcvBuf,
			Stats:   packets,
			Handler: enqueue,
		})
		if err := udp.Listen(); err != nil {
			return err
		}
		defer udp.Close()
	}

	var httpLis net.Listener
	if addr := cfg.GetHTTPListen(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		httpLis = lis
		defer httpLis.Close()
	}

	var (
		publishers pipeline.MultiPublisher
		stream     *visualiser.Publisher
	)
	if addr := cfg.GetGRPCListen(); addr != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = addr
		stream = visualiser.NewPublisher(vcfg)
		if err := stream.Start(); err != nil {
			return fmt.Errorf("failed to start map stream: %w", err)
		}
		defer stream.Stop()
		publishers = append(publishers, stream)
	}

	tree := tf.NewStaticTree()
	if path := cfg.GetStaticTransforms(); path != "" {
		loaded, err := tf.LoadStaticTree(path)
		if err != nil {
			return err
		}
		tree = loaded
		monitoring.Logf("[accumulate] loaded %d static transforms from %s", len(tree.Edges()), path)
	}
	sources := []tf.Lookup{tree}
	var transforms monitor.TransformWriter = tree

	var (
		recorder pipeline.CycleRecorder
		history  monitor.CycleHistory
		cycles   *sqlite.CycleStore
	)
	if path := cfg.GetTFDBPath(); path != "" {
		db, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open transform database: %w", err)
		}
		defer db.Close()

		store := sqlite.NewTransformStore(db.DB)
		sources = append(sources, store)
		transforms = store

		cycles = sqlite.NewCycleStore(db.DB)
		runRow := &sqlite.Run{
			ReferenceFrame: cfg.GetReferenceFrame(),
			VoxelSize:      cfg.GetVoxelSize(),
			Destination:    cfg.GetDestinationPath(),
		}
		if err := cycles.StartRun(ctx, runRow); err != nil {
			return err
		}
		monitoring.Logf("[accumulate] cycle log run %s in %s", runRow.RunID, path)
		recorder = cycles
		history = cycles
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pcfg := pipeline.Config{
		ReferenceFrame:   cfg.GetReferenceFrame(),
		VoxelSize:        cfg.GetVoxelSize(),
		TransformTimeout: cfg.GetTransformTimeout(),
		Resolver:         tf.NewResolver(tf.ResolverConfig{}, sources...),
		Persister:        export.PCDFileSink{Path: cfg.GetDestinationPath(), AllowedDirs: cfg.AllowedExportDirs},
		Recorder:         recorder,
		Metrics:          pipeline.NewMetrics(reg),
	}
	if len(publishers) > 0 {
		pcfg.Publisher = publishers
	}
	p, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The pipeline ending, for whatever reason, stops everything else.
		defer cancel()
		return p.Run(gctx, batches)
	})

	if udp != nil {
		g.Go(func() error {
			return ignoreCanceled(udp.Start(gctx))
		})
	}

	if path := cfg.GetPCAPFile(); path != "" {
		udpToo := udp != nil
		g.Go(func() error {
			res, err := network.ReadPCAPFile(gctx, network.PCAPReplayConfig{
				Path:    path,
				UDPPort: cfg.GetPCAPPort(),
				Stats:   packets,
				Handler: enqueue,
				Speed:   opts.pcapSpeed,
			})
			if err != nil {
				return ignoreCanceled(err)
			}
			monitoring.Logf("[accumulate] replayed %d batches from %s", res.Batches, path)
			if !udpToo {
				close(batches)
			}
			return nil
		})
	}

	if httpLis != nil {
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:    httpLis.Addr().String(),
			Pipeline:   p,
			Packets:    packets,
			Publisher:  stream,
			Transforms: transforms,
			Cycles:     history,
			Gatherer:   reg,
		})
		g.Go(func() error {
			return ws.Serve(gctx, httpLis)
		})
	}

	runErr := g.Wait()
	final := p.Snapshot()

	if cycles != nil {
		if err := cycles.FinishRun(context.Background(), final.Len(), runErr); err != nil {
			monitoring.Warnf("[accumulate] failed to close cycle log run: %v", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	if path := cfg.GetRenderPNG(); path != "" {
		ropts := export.RenderOptions{Title: fmt.Sprintf("%s (%d points)", final.FrameID, final.Len())}
		if err := export.RenderTopDown(final, path, ropts); err != nil {
			monitoring.Warnf("[accumulate] failed to render map: %v", err)
		} else {
			monitoring.Logf("[accumulate] rendered map to %s", path)
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
