// Command perftramp-demo runs a small interpreted workload with perf
// trampolines enabled, so the output can be checked with perf:
//
//	perf record -g -k 1 perftramp-demo --iterations 100000000
//	perf report
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/pboyd/perftramp"
	"github.com/pboyd/perftramp/internal/interp"
	"github.com/pboyd/perftramp/jitdump"
	"github.com/pboyd/perftramp/perfmap"
)

type flags struct {
	LogLevel  string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`

	Backend   string `kong:"enum='perfmap,jitdump,none',help='Where trampoline mappings are written.',default='perfmap'"`
	Dir       string `kong:"help='Directory for perf map and jitdump files.',default='/tmp',type:'path'"`
	ArenaSize string `kong:"help='Size of each code arena.',default='64KiB'"`

	Iterations int    `kong:"help='Number of times to run the workload.',default='1000000'"`
	Functions  int    `kong:"help='Number of extra distinct functions to call.',default='0'"`
	HTTPAddr   string `kong:"help='Address to serve metrics on. The process keeps running after the workload when set.'"`
	Verify     bool   `kong:"help='Read the mappings back and check every trampoline is named.'"`
}

func main() {
	flags := flags{}
	kong.Parse(&flags, kong.Description("Run an interpreted workload with perf trampolines."))

	logger := newLogger(flags.LogLevel, flags.LogFormat)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if err := runDemo(logger, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func newLogger(logLevel, format string) log.Logger {
	var logger log.Logger
	w := log.NewSyncWriter(os.Stderr)
	switch format {
	case "json":
		logger = log.NewJSONLogger(w)
	default:
		logger = log.NewLogfmtLogger(w)
	}

	var lvl level.Option
	switch logLevel {
	case "error":
		lvl = level.AllowError()
	case "warn":
		lvl = level.AllowWarn()
	case "debug":
		lvl = level.AllowDebug()
	default:
		lvl = level.AllowInfo()
	}

	logger = level.NewFilter(logger, lvl)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func runDemo(logger log.Logger, flags flags) error {
	arenaSize, err := humanize.ParseBytes(flags.ArenaSize)
	if err != nil {
		return fmt.Errorf("invalid arena size: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	in := interp.New()
	tr, err := perftramp.New(in, perftramp.Config{
		ArenaSize:       int(arenaSize),
		ReinitAfterFork: true,
		Logger:          log.With(logger, "component", "perftramp"),
		Registerer:      reg,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Teardown(); err != nil {
			level.Warn(logger).Log("msg", "teardown failed", "err", err)
		}
	}()

	backendLogger := log.With(logger, "component", flags.Backend)
	switch flags.Backend {
	case "perfmap":
		tr.SetCallbacks(perfmap.New(backendLogger, perfmap.Config{Dir: flags.Dir}))
	case "jitdump":
		tr.SetCallbacks(jitdump.New(backendLogger, jitdump.Config{Dir: flags.Dir}))
	default:
		tr.SetCallbacks(perftramp.BackendFuncs{})
	}

	if err := tr.Activate(true); err != nil {
		return fmt.Errorf("failed to activate perf trampolines: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group

	w := newWorkload(flags.Functions)
	g.Add(func() error {
		start := time.Now()
		if err := w.run(ctx, in, flags.Iterations); err != nil {
			return err
		}

		stats := tr.Stats()
		level.Info(logger).Log(
			"msg", "workload done",
			"duration", time.Since(start),
			"calls", in.Calls(),
			"trampolines", stats.Trampolines,
			"arenas", stats.Arenas,
			"mapped", humanize.IBytes(uint64(stats.BytesMapped)),
			"status", tr.Status(),
		)

		if flags.Verify {
			if err := verify(logger, tr, flags, w.funcs); err != nil {
				return err
			}
		}

		if flags.HTTPAddr == "" {
			return nil
		}
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	if flags.HTTPAddr != "" {
		ln, err := net.Listen("tcp", flags.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Add(func() error {
			level.Info(logger).Log("msg", "serving metrics", "addr", ln.Addr())
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		return nil
	}
	return err
}
