package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/gen"
	"voxelstream.ai/internal/mesh"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/journal"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/streaming"
	"voxelstream.ai/internal/tasks"
	"voxelstream.ai/internal/transport/viewer"
	"voxelstream.ai/internal/voxel"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Stream terrain to websocket viewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			setupLogging(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			setupLogging(cmd.ErrOrStderr(), logLevel, logFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log.Logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to streaming.yaml")
	cmd.Flags().StringVar(&addr, "addr", "", "websocket listen address; overrides server.addr")
	return cmd
}

func defaultConfigPath() string {
	const p = "configs/streaming.yaml"
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// engine is everything serve builds from a config, in teardown order.
type engine struct {
	ctrl    *streaming.Controller
	sched   *tasks.Scheduler
	stream  stream.Stream
	cfg     config.Config
	metrics *metrics.Streaming
	log     zerolog.Logger
}

func newEngine(cfg config.Config, logger zerolog.Logger, m *metrics.Streaming) (*engine, error) {
	buffers := voxel.NewPool()
	st, err := openStream(cfg, logger, m, buffers)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", cfg.Stream.Kind, err)
	}
	g, err := gen.New(cfg.Terrain.Generator, cfg.Terrain.Seed, cfg.Terrain.Height)
	if err != nil {
		closeStream(st)
		return nil, err
	}
	var mesher mesh.Mesher
	if cfg.Terrain.Mesher == "cubes" {
		mesher = mesh.Cubes{}
	}
	var stats *journal.Journal[streaming.Stats]
	if cfg.Logging.JournalDir != "" {
		stats = journal.New[streaming.Stats](cfg.Logging.JournalDir, "stats")
	}

	sched := tasks.New(tasks.Config{
		IOWorkers:       cfg.Scheduler.IOWorkers,
		ComputeWorkers:  cfg.Scheduler.ComputeWorkers,
		PriorityRefresh: cfg.Scheduler.PriorityRefresh(),
		Logger:          logger,
		Metrics:         m,
		Buffers:         buffers,
	})
	ctrl, err := streaming.New(streaming.Options{
		Settings: streaming.Settings{
			LODCount:     cfg.Terrain.LODCount,
			LODDistance:  cfg.Terrain.LODDistance,
			ViewDistance: cfg.Terrain.ViewDistance,
			Bounds:       cfg.Terrain.Bounds(),
			RetryTicks:   cfg.Terrain.RetryTicks,
			BatchCount:   cfg.Scheduler.BatchCount,
		},
		Scheduler: sched,
		Generator: g,
		Stream:    st,
		Mesher:    mesher,
		Logger:    logger,
		Metrics:   m,
		Journal:   stats,
	})
	if err != nil {
		sched.Close()
		closeStream(st)
		return nil, err
	}
	return &engine{ctrl: ctrl, sched: sched, stream: st, cfg: cfg, metrics: m, log: logger}, nil
}

// close saves every edit, then stops the workers and closes the stream.
func (e *engine) close(ctx context.Context) error {
	err := e.ctrl.Close(ctx)
	e.sched.Close()
	if mem, ok := e.stream.(*stream.Memory); ok && e.cfg.Stream.Path != "" {
		if werr := mem.WriteSnapshot(e.cfg.Stream.Path, "voxstream serve"); werr != nil {
			err = errors.Join(err, fmt.Errorf("write memory snapshot: %w", werr))
		}
	}
	if e.stream != nil {
		err = errors.Join(err, e.stream.Close())
	}
	return err
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	eng, err := newEngine(cfg, logger, metrics.New(nil))
	if err != nil {
		return err
	}
	ws := viewer.NewServer(eng.ctrl, viewer.Options{Logger: logger, AllowRemote: cfg.Server.AllowRemote})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle(viewer.Path, ws.Handler())
	servers := []*http.Server{{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	if cfg.Server.MetricsAddr != "" {
		mm := http.NewServeMux()
		mm.Handle("/metrics", metrics.Handler(nil))
		servers = append(servers, &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mm, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := eng.ctrl.Run(gctx, cfg.Server.TickInterval())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
		return nil
	})
	runErr := g.Wait()

	logger.Info().Msg("shutting down, saving edits")
	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, eng.close(cctx))
}
