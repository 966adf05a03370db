// Command fracnode is a render node for distributed fractal runs.
//
// It listens for a coordinator, renders the rows it is asked for and
// optionally serves /healthz and /stats over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/config"
	"github.com/gogpu/fractal/node"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fracnode:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("fracnode", pflag.ContinueOnError)
	cfgFile := fs.String("config", "", "YAML config file")
	fs.String("host", "", "listen host (empty for all interfaces)")
	fs.Int("port", node.DefaultPort, "listen port")
	fs.Int("threads", 0, "render threads (default: number of CPUs)")
	fs.Int("bunch", node.DefaultBunchSize, "rows per request advertised to coordinators")
	fs.Duration("io-timeout", 0, "request read and reply write timeout, render time excluded (0 disables)")
	fs.String("status-addr", "", "address of the HTTP status endpoint (empty disables)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text or json")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	v, err := config.New(*cfgFile)
	if err != nil {
		return err
	}
	config.SetNodeDefaults(v)
	if err := config.BindFlags(v, fs, map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
	}); err != nil {
		return err
	}

	cfg, err := config.LoadNode(v)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Log, "fracnode", os.Stderr)
	fractal.SetLogger(log)

	n, err := node.New(cfg.NodeConfig())
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Listen())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen(), err)
	}

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           n.StatusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("fracnode: status endpoint", "addr", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("fracnode: status endpoint failed", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	return n.Serve(ctx, ln)
}
