// Command fracrender renders a fractal image on this machine or across
// render nodes and writes it to a TIFF or PNG file or an S3 object.
//
// Parameters come from a parameter file (--params-file), a Redis preset
// (--preset) or the individual flags. With --save-preset the resulting
// parameters are stored in Redis as well. --ping only checks that the
// configured workers answer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/config"
	"github.com/gogpu/fractal/preset"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fracrender:", err)
		os.Exit(1)
	}
}

// paramFlags are bound under the params. prefix.
var paramFlags = []string{
	"kind", "max-iterations", "adaptive", "escape-radius", "zoom",
	"center-x", "center-y", "julia-x", "julia-y", "gradient-exponent", "interior",
}

func newFlagSet() (*pflag.FlagSet, map[string]string) {
	d := fractal.NewParams()
	fs := pflag.NewFlagSet("fracrender", pflag.ContinueOnError)

	fs.String("config", "", "YAML config file")
	fs.StringSlice("workers", nil, "render nodes as host[:port], comma separated (none renders locally)")
	fs.Int("bunch", 0, "rows per request (0 asks each node)")
	fs.Int("threads", 0, "local render threads (default: number of CPUs)")
	fs.Duration("io-timeout", 0, "per-request timeout including the node's render time (0 disables)")
	fs.Duration("dial-timeout", 5*time.Second, "node connection timeout")
	fs.Bool("ping", false, "ping the workers and exit")

	fs.Int("width", fractal.DefaultWidth, "image width")
	fs.Int("height", fractal.DefaultHeight, "image height")
	fs.IntP("supersampling", "s", 1, "supersampling factor: 1, 2, 4, 8 or 16")
	fs.StringP("output", "o", "fractal.tiff", "output file or s3://bucket/key")
	fs.String("compression", "none", "TIFF compression: none or deflate")
	fs.Bool("stream", false, "write rows straight to the output file at full resolution")

	fs.String("params-file", "", "binary parameter file")
	fs.String("preset", "", "load parameters from this Redis preset")
	fs.String("save-preset", "", "store the parameters as this Redis preset")
	fs.Bool("list-presets", false, "list the Redis presets and exit")

	fs.String("kind", d.Kind.String(), "fractal kind: mandelbrot or julia")
	fs.Int("max-iterations", d.MaxIterations, "iteration limit")
	fs.Bool("adaptive", d.Adaptive, "derive the iteration limit from the zoom")
	fs.Float64("escape-radius", d.EscapeRadius, "escape radius")
	fs.Float64("zoom", d.Zoom, "half the visible height in plane units")
	fs.Float64("center-x", real(d.Center), "real part of the image centre")
	fs.Float64("center-y", imag(d.Center), "imaginary part of the image centre")
	fs.Float64("julia-x", real(d.JuliaConstant), "real part of the Julia constant")
	fs.Float64("julia-y", imag(d.JuliaConstant), "imaginary part of the Julia constant")
	fs.Float64("gradient-exponent", d.GradientExponent, "gradient exponent")
	fs.String("interior", "", "colour of points that never escape, as #RRGGBB or #AARRGGBB")

	fs.String("redis-addr", "localhost:6379", "Redis address for presets")
	fs.String("s3-region", "", "S3 region")
	fs.String("s3-endpoint", "", "S3-compatible endpoint URL")
	fs.Bool("s3-path-style", false, "use path-style S3 addressing")

	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text or json")

	keys := map[string]string{
		"redis-addr":    "redis.addr",
		"s3-region":     "s3.region",
		"s3-endpoint":   "s3.endpoint",
		"s3-path-style": "s3.use_path_style",
		"log-level":     "log.level",
		"log-format":    "log.format",
	}
	for _, name := range paramFlags {
		keys[name] = "params." + strings.ReplaceAll(name, "-", "_")
	}
	return fs, keys
}

func run(args []string) error {
	fs, keys := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfgFile, err := fs.GetString("config")
	if err != nil {
		return err
	}
	v, err := config.New(cfgFile)
	if err != nil {
		return err
	}
	config.SetRenderDefaults(v)
	if err := config.BindFlags(v, fs, keys); err != nil {
		return err
	}
	cfg, err := config.LoadRender(v)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Log, "fracrender", os.Stderr)
	fractal.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doPing, err := fs.GetBool("ping")
	if err != nil {
		return err
	}
	if doPing {
		return ping(ctx, cfg, os.Stdout)
	}
	doList, err := fs.GetBool("list-presets")
	if err != nil {
		return err
	}
	if doList {
		return listPresets(ctx, cfg, os.Stdout)
	}

	p, err := loadParams(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.SavePreset != "" {
		if err := savePreset(ctx, cfg, p); err != nil {
			return err
		}
		log.Info("fracrender: preset saved", "name", cfg.SavePreset)
	}
	if cfg.Output == "" {
		return nil
	}

	sum, err := render(ctx, cfg, p)
	if sum != nil {
		sum.print(os.Stdout)
	}
	return err
}

// loadParams picks the parameter source and applies the output size.
func loadParams(ctx context.Context, cfg *config.Render) (*fractal.Params, error) {
	var p *fractal.Params
	switch {
	case cfg.ParamsFile != "" && cfg.Preset != "":
		return nil, errors.New("use either --params-file or --preset, not both")
	case cfg.ParamsFile != "":
		var err error
		if p, err = fractal.LoadParams(cfg.ParamsFile); err != nil {
			return nil, err
		}
	case cfg.Preset != "":
		store, err := preset.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		if p, err = store.Load(ctx, cfg.Preset); err != nil {
			return nil, err
		}
	default:
		return cfg.Params.Params(cfg.Width, cfg.Height)
	}

	p.Width, p.Height = cfg.Width, cfg.Height
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func savePreset(ctx context.Context, cfg *config.Render, p *fractal.Params) error {
	store, err := preset.Open(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Save(ctx, cfg.SavePreset, p)
}
