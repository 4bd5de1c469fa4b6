// Command kdtreegen builds an implicit k-d tree over a volume and reports
// its layout.
//
// Usage:
//
//	kdtreegen -res 128,128,64 -voxel 1,1,2            # synthetic sphere
//	kdtreegen -volume head.yaml -slice 3:0 -out s.tiff
//	kdtreegen -res 300,200,100 -plan                   # layout only
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/lumberjack"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/kdtree"
	"github.com/gogpu/kdtree/backend/cpu"
	"github.com/gogpu/kdtree/debugview"
	"github.com/gogpu/kdtree/metrics"
	"github.com/gogpu/kdtree/volume"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "kdtreegen:", err)
		os.Exit(1)
	}
}

// config holds the parsed command line.
type config struct {
	volume    string
	synthetic string
	res       [3]int
	voxel     [3]float32
	device    string
	workers   int
	planOnly  bool
	slice     string
	channel   string
	out       string
	metrics   string
	logLevel  string
	logFile   string
	logSizeMB int
}

func parseFlags(args []string, stderr io.Writer) (*config, error) {
	var (
		c     config
		res   string
		voxel string
	)
	fs := flag.NewFlagSet("kdtreegen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.volume, "volume", "", "YAML volume descriptor (overrides -synthetic)")
	fs.StringVar(&c.synthetic, "synthetic", "sphere", "synthetic volume: sphere, ramp-x, ramp-y or ramp-z")
	fs.StringVar(&res, "res", "64,64,64", "synthetic volume resolution")
	fs.StringVar(&voxel, "voxel", "1,1,1", "synthetic voxel size")
	fs.StringVar(&c.device, "device", "auto", "compute device: auto or cpu")
	fs.IntVar(&c.workers, "workers", 0, "CPU workers (0 = GOMAXPROCS)")
	fs.BoolVar(&c.planOnly, "plan", false, "print the layout without building")
	fs.StringVar(&c.slice, "slice", "", "export level:z as a TIFF debug slice")
	fs.StringVar(&c.channel, "channel", "max", "debug slice channel: min, max or span")
	fs.StringVar(&c.out, "out", "slice.tiff", "debug slice output file")
	fs.StringVar(&c.metrics, "metrics", "", "write Prometheus metrics to this textfile")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.StringVar(&c.logFile, "log-file", "", "log to a rotating file instead of stderr")
	fs.IntVar(&c.logSizeMB, "log-max-size", 10, "log file size in megabytes before rotation")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.res, err = parseInts(res); err != nil {
		return nil, fmt.Errorf("-res: %w", err)
	}
	if c.voxel, err = parseFloats(voxel); err != nil {
		return nil, fmt.Errorf("-voxel: %w", err)
	}
	switch c.device {
	case "auto", "cpu":
	default:
		return nil, fmt.Errorf("-device: unknown device %q", c.device)
	}
	return &c, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(c, stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	kdtree.SetLogger(logger)
	defer kdtree.SetLogger(nil)

	vol, err := loadVolume(c)
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	plan, err := kdtree.NewPlan(vol.Resolution())
	if err != nil {
		return err
	}
	p.Fprint(stdout, plan.String())
	p.Fprintf(stdout, "node buffer: %d nodes, %s\n", plan.TotalNodes, humanize.IBytes(plan.NodeBytes()))
	if c.planOnly {
		return nil
	}

	reg := prometheus.NewRegistry()
	opts := []kdtree.Option{
		kdtree.WithWorkers(c.workers),
		kdtree.WithObserver(metrics.New(reg)),
	}
	if c.device == "cpu" {
		dev := cpu.New(cpu.WithWorkers(c.workers))
		defer dev.Close()
		opts = append(opts, kdtree.WithDevice(dev))
	}
	g, err := kdtree.NewGenerator(opts...)
	if err != nil {
		return err
	}
	defer g.Close()

	tree, err := g.Generate(ctx, vol)
	if err != nil {
		return err
	}
	root, err := tree.Root()
	if err != nil {
		return err
	}
	ratio := tree.VirtualRatio()
	size := tree.GridSize()
	p.Fprintf(stdout, "tree %s on %s: root range [%g, %g]\n", tree.ID, g.Device().Name(), root.Min, root.Max)
	p.Fprintf(stdout, "virtual ratio %.4f %.4f %.4f, grid size %.2f %.2f %.2f\n",
		ratio[0], ratio[1], ratio[2], size[0], size[1], size[2])

	if c.slice != "" {
		if err := exportSlice(c, tree, stdout); err != nil {
			return err
		}
	}

	if c.metrics != "" {
		if err := prometheus.WriteToTextfile(c.metrics, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func exportSlice(c *config, tree *kdtree.Tree, stdout io.Writer) error {
	level, z, err := parseSlice(c.slice)
	if err != nil {
		return fmt.Errorf("-slice: %w", err)
	}
	ch, err := debugview.ParseChannel(c.channel)
	if err != nil {
		return err
	}
	nodes, err := tree.ReadNodes()
	if err != nil {
		return err
	}
	img, err := debugview.LevelSlice(tree.Plan, nodes, level, z, ch)
	if err != nil {
		return err
	}
	if err := debugview.SaveTIFF(c.out, img); err != nil {
		return fmt.Errorf("save slice: %w", err)
	}
	fmt.Fprintf(stdout, "slice %d:%d (%s) saved to %s (%dx%d)\n",
		level, z, ch, c.out, img.Bounds().Dx(), img.Bounds().Dy())
	return nil
}

func loadVolume(c *config) (kdtree.Volume, error) {
	if c.volume != "" {
		return volume.Open(c.volume)
	}
	if _, err := volume.NewGrid(c.res, c.voxel); err != nil {
		return nil, err
	}
	switch c.synthetic {
	case "sphere":
		return volume.NewSphere(c.res, c.voxel), nil
	case "ramp-x":
		return volume.NewRamp(c.res, c.voxel, 0), nil
	case "ramp-y":
		return volume.NewRamp(c.res, c.voxel, 1), nil
	case "ramp-z":
		return volume.NewRamp(c.res, c.voxel, 2), nil
	default:
		return nil, fmt.Errorf("-synthetic: unknown volume %q", c.synthetic)
	}
}

func newLogger(c *config, stderr io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("-log-level: %w", err)
	}
	out, closeFn := stderr, func() {}
	if c.logFile != "" {
		l := &lumberjack.Logger{
			Filename: c.logFile,
			MaxSize:  c.logSizeMB, // megabytes
		}
		out, closeFn = l, func() { _ = l.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}

func parseInts(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("want 3 comma-separated values, got %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}

func parseFloats(s string) ([3]float32, error) {
	var v [3]float32
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("want 3 comma-separated values, got %q", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return v, err
		}
		v[i] = float32(f)
	}
	return v, nil
}

// parseSlice parses "level:z".
func parseSlice(s string) (int, uint32, error) {
	ls, zs, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("want level:z, got %q", s)
	}
	level, err := strconv.Atoi(ls)
	if err != nil {
		return 0, 0, err
	}
	z, err := strconv.ParseUint(zs, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return level, uint32(z), nil
}
