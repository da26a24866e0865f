// Command creedmoor is a CLI for inspecting and exercising a creedmoor
// two-tier cache database.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/bitemyapp/creedmoor/store"
	"github.com/bitemyapp/creedmoor/telemetry"
)

type globals struct {
	Path         string `help:"Cache database file." default:"./creedmoor.db" type:"path"`
	MemoryBudget int64  `help:"Working-set memory hint for the disk store in bytes." default:"67108864"`
	DiskBudget   int64  `help:"Disk tier byte budget." default:"1073741824"`
	MemoryTier   int64  `help:"In-process tier capacity in bytes (0 disables it)." default:"16777216"`
	Compression  bool   `help:"Compress stored values with zstd."`
	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text"`
}

type cli struct {
	globals

	Put   putCmd   `cmd:"" help:"Store a value under a key."`
	Get   getCmd   `cmd:"" help:"Print the value stored under a key."`
	Stats statsCmd `cmd:"" help:"Print tier usage and entry counts."`
	Bench benchCmd `cmd:"" help:"Fill the cache with generated entries and report throughput."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("creedmoor"),
		kong.Description("Byte-budgeted two-tier cache tool."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(c.LogLevel, c.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&c.globals, logger))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func openStore(g *globals, logger *slog.Logger) (*store.Tiered, error) {
	return store.Open(store.Config{
		Path:               g.Path,
		MemoryBudget:       g.MemoryBudget,
		DiskBudget:         g.DiskBudget,
		MemoryTierCapacity: g.MemoryTier,
		Compression:        g.Compression,
		Logger:             logger,
	})
}

type putCmd struct {
	Key   string `arg:"" help:"Key to store under."`
	Value string `arg:"" optional:"" help:"Value to store. Reads stdin when omitted."`
}

func (c *putCmd) Run(g *globals, logger *slog.Logger) error {
	value := []byte(c.Value)
	if c.Value == "" {
		data, err := readAllStdin()
		if err != nil {
			return err
		}
		value = data
	}

	t, err := openStore(g, logger)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.Put(context.Background(), []byte(c.Key), value); err != nil {
		return fmt.Errorf("putting %q: %w", c.Key, err)
	}
	logger.Info("stored", "key", c.Key, "bytes", len(value))
	return nil
}

type getCmd struct {
	Key string `arg:"" help:"Key to look up."`
}

func (c *getCmd) Run(g *globals, logger *slog.Logger) error {
	t, err := openStore(g, logger)
	if err != nil {
		return err
	}
	defer t.Close()

	value, err := t.Get(context.Background(), []byte(c.Key))
	if err != nil {
		return fmt.Errorf("getting %q: %w", c.Key, err)
	}
	_, err = os.Stdout.Write(value)
	return err
}

type statsCmd struct{}

func (c *statsCmd) Run(g *globals, logger *slog.Logger) error {
	t, err := openStore(g, logger)
	if err != nil {
		return err
	}
	defer t.Close()

	s, err := t.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("memory tier: %d entries, %d / %d bytes\n", s.MemoryEntries, s.MemoryUsage, s.MemoryCapacity)
	fmt.Printf("disk tier:   %d entries, %d / %d bytes\n", s.DiskEntries, s.DiskUsage, s.DiskBudget)
	return nil
}

type benchCmd struct {
	Count       int    `help:"Number of entries to write." default:"10000"`
	ValueSize   int    `help:"Value size in bytes." default:"4096"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address while running (e.g. :9090)."`
}

func (c *benchCmd) Run(g *globals, logger *slog.Logger) error {
	ctx := context.Background()

	if c.MetricsAddr != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "creedmoor-bench",
			EnablePrometheus: true,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()

		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		go func() {
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", c.MetricsAddr)
	}

	t, err := openStore(g, logger)
	if err != nil {
		return err
	}
	defer t.Close()

	value := make([]byte, c.ValueSize)
	if _, err := rand.Read(value); err != nil {
		return fmt.Errorf("generating payload: %w", err)
	}

	start := time.Now()
	for i := 0; i < c.Count; i++ {
		key := []byte(uuid.NewString())
		if err := t.Put(ctx, key, value); err != nil {
			return fmt.Errorf("putting entry %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	s, err := t.Stats()
	if err != nil {
		return err
	}

	logger.Info("bench complete",
		"entries", c.Count,
		"value_bytes", c.ValueSize,
		"elapsed", elapsed,
		"puts_per_sec", float64(c.Count)/elapsed.Seconds(),
		"disk_usage", s.DiskUsage,
		"disk_entries", s.DiskEntries,
	)
	return nil
}

func readAllStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}
