package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codequeue/api"
	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/deadletter"
	"github.com/isdmx/codequeue/engine"
	"github.com/isdmx/codequeue/language"
	"github.com/isdmx/codequeue/logger"
	"github.com/isdmx/codequeue/mcpserver"
	"github.com/isdmx/codequeue/metrics"
	"github.com/isdmx/codequeue/queue"
	"github.com/isdmx/codequeue/resultstore"
	"github.com/isdmx/codequeue/sandbox"
	"github.com/isdmx/codequeue/submit"
	"github.com/isdmx/codequeue/worker"
)

type role string

const (
	roleAPI        role = "api"
	roleWorker     role = "worker"
	roleStandalone role = "standalone"
)

func (r role) serves() bool   { return r == roleAPI || r == roleStandalone }
func (r role) executes() bool { return r == roleWorker || r == roleStandalone }

func newApp(cfg *config.Config, r role) *fx.App {
	opts := append(appOptions(cfg, r), fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log}
	}))
	return fx.New(opts...)
}

func appOptions(cfg *config.Config, r role) []fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg),
		fx.Provide(
			logger.NewFromConfig,
			newRedisClient,
			language.FromConfig,
			metrics.New,
			newDeadLetter,
			newQueue,
			resultstore.New,
		),
	}

	if r.serves() {
		opts = append(opts,
			fx.Provide(newSubmitService, newAPIServer),
			fx.Invoke(runAPIServer),
		)
		if cfg.MCP.Enabled {
			opts = append(opts,
				fx.Provide(newMCPServer),
				fx.Invoke(runMCPServer),
			)
		}
	}
	if r.executes() {
		opts = append(opts,
			fx.Provide(newRuntime, engine.New, newPool),
			fx.Invoke(runPool),
		)
	}

	return opts
}

func newRedisClient(lc fx.Lifecycle, cfg *config.Config) redis.UniversalClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}

func newDeadLetter(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, rdb redis.UniversalClient) (deadletter.Notifier, error) {
	n, err := deadletter.New(log, cfg, rdb)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(n.Close))
	return n, nil
}

func newQueue(log *zap.Logger, cfg *config.Config, rdb redis.UniversalClient, n deadletter.Notifier) *queue.RedisQueue {
	return queue.New(log, cfg, rdb, n)
}

func newSubmitService(log *zap.Logger, cfg *config.Config, reg *language.Registry, q *queue.RedisQueue, store *resultstore.Store, m *metrics.Metrics) *submit.Service {
	return submit.New(log, cfg, reg, q, store, m)
}

func newAPIServer(log *zap.Logger, cfg *config.Config, svc *submit.Service, rdb redis.UniversalClient, m *metrics.Metrics) *api.Server {
	health := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return api.New(log, cfg, svc, health, m)
}

func runAPIServer(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, s *api.Server) {
	srv := s.HTTPServer(cfg.Server)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting REST API", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("REST API stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func newMCPServer(log *zap.Logger, cfg *config.Config, svc *submit.Service) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, svc)
}

func runMCPServer(lc fx.Lifecycle, log *zap.Logger, s *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := s.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("MCP server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: s.Shutdown,
	})
}

func newRuntime(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (sandbox.Runtime, error) {
	rt, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(rt.Close))
	return rt, nil
}

func newPool(log *zap.Logger, cfg *config.Config, e *engine.Engine, q *queue.RedisQueue, store *resultstore.Store, m *metrics.Metrics) *worker.Pool {
	return worker.New(log, cfg, e, q, store, m)
}

type imagePreparer interface {
	Prepare(ctx context.Context) error
}

type poolRunner interface {
	Run(ctx context.Context) error
}

func runPool(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, e *engine.Engine, p *worker.Pool) {
	startPool(lc, log, cfg.Sandbox.PullImages, e, p)
}

// startPool pulls images in the pool goroutine so that slow pulls never
// exceed the fx start timeout. A failed pull leaves the pool running.
func startPool(lc fx.Lifecycle, log *zap.Logger, pullImages bool, prep imagePreparer, p poolRunner) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if pullImages {
					if err := prep.Prepare(ctx); err != nil {
						log.Warn("image pre-pull failed", zap.Error(err))
					}
				}
				if err := p.Run(ctx); err != nil {
					log.Error("worker pool exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
