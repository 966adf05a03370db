package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/config"
	"github.com/gogpu/fractal/distrib"
	"github.com/gogpu/fractal/preset"
	"github.com/gogpu/fractal/sink"
)

// summary is what gets printed after a render.
type summary struct {
	width, height int
	supersampling int
	output        string
	elapsed       time.Duration
	report        *distrib.Report
}

func (s *summary) print(w io.Writer) {
	p := message.NewPrinter(language.English)
	raster := s.width * s.supersampling * s.height * s.supersampling
	p.Fprintf(w, "%s: %d×%d, %d pixels rendered in %v\n",
		s.output, s.width, s.height, raster, s.elapsed.Round(time.Millisecond))

	if s.report == nil {
		return
	}
	p.Fprintf(w, "run %s, %d workers, %d failed\n", s.report.RunID, len(s.report.Workers), s.report.Failed())
	for _, wr := range s.report.Workers {
		status := "ok"
		if wr.Err != nil {
			status = wr.Err.Error()
		}
		p.Fprintf(w, "  %-24s %8d rows %6d bunches %10v  %s\n",
			wr.Endpoint, wr.Rows, wr.Bunches, wr.Elapsed.Round(time.Millisecond), status)
	}
}

func render(ctx context.Context, cfg *config.Render, p *fractal.Params) (*summary, error) {
	comp, err := sink.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	sum := &summary{width: p.Width, height: p.Height, supersampling: cfg.Supersampling, output: cfg.Output}
	t0 := time.Now()

	if cfg.Distributed() {
		sum.report, err = renderDistributed(ctx, cfg, p, comp)
	} else {
		err = renderLocal(ctx, cfg, p, comp)
	}
	sum.elapsed = time.Since(t0)
	if err != nil && sum.report == nil {
		return nil, err
	}
	return sum, err
}

func coordinator(cfg *config.Render) (*distrib.Coordinator, error) {
	eps, err := distrib.ParseEndpoints(cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &distrib.Coordinator{
		Endpoints:   eps,
		BunchSize:   cfg.BunchSize,
		IOTimeout:   cfg.IOTimeout,
		DialTimeout: cfg.DialTimeout,
	}, nil
}

func renderDistributed(ctx context.Context, cfg *config.Render, p *fractal.Params, comp sink.Compression) (*distrib.Report, error) {
	c, err := coordinator(cfg)
	if err != nil {
		return nil, err
	}
	run := distrib.RunConfig{Params: p, Supersampling: cfg.Supersampling}

	if cfg.Stream {
		if strings.HasPrefix(cfg.Output, "s3://") {
			return nil, errors.New("streaming output must be a local file")
		}
		ss := cfg.Supersampling
		st, err := sink.CreateStream(cfg.Output, p.Width*ss, p.Height*ss)
		if err != nil {
			return nil, err
		}
		run.Stream = st
	} else {
		if run.Sink, err = sink.Open(ctx, cfg.Output, sink.Options{Compression: comp, S3: cfg.S3}); err != nil {
			return nil, err
		}
	}
	return c.Run(ctx, run)
}

func renderLocal(ctx context.Context, cfg *config.Render, p *fractal.Params, comp sink.Compression) error {
	out, err := sink.Open(ctx, cfg.Output, sink.Options{Compression: comp, S3: cfg.S3})
	if err != nil {
		return err
	}

	var tracker fractal.Tracker
	job, err := fractal.NewJob(p, cfg.Supersampling, tracker.Next(), nil)
	if err != nil {
		return err
	}
	defer job.Release()

	// Close waits for the render, so it runs before Release.
	e := fractal.NewEngine(cfg.Threads)
	defer e.Close()

	done := make(chan struct{})
	if err := e.Dispatch(job, func(j *fractal.Job) {
		tracker.Offer(j)
		close(done)
	}); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	j := tracker.Current()
	j.ResizeBack()
	return out.WritePixels(ctx, j.Pixels(), j.Width(), j.Height())
}

func ping(ctx context.Context, cfg *config.Render, w io.Writer) error {
	if !cfg.Distributed() {
		return errors.New("no workers to ping")
	}
	eps, err := distrib.ParseEndpoints(cfg.Workers)
	if err != nil {
		return err
	}

	var errs []error
	for _, ep := range eps {
		rtt, err := distrib.Ping(ctx, ep.String(), cfg.DialTimeout)
		if err != nil {
			fmt.Fprintf(w, "%-24s down: %v\n", ep, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "%-24s up %v\n", ep, rtt.Round(time.Microsecond))
	}
	return errors.Join(errs...)
}

func listPresets(ctx context.Context, cfg *config.Render, w io.Writer) error {
	store, err := preset.Open(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	return nil
}
