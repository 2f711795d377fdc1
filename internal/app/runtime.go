// Package app wires the measurement engine, history store, geo resolver, and
// control server into one runnable unit.
package app

import (
	"context"
	"time"

	"github.com/ComputerScienceAddict/getmyspeed/internal/config"
	"github.com/ComputerScienceAddict/getmyspeed/internal/control"
	"github.com/ComputerScienceAddict/getmyspeed/internal/engine"
	"github.com/ComputerScienceAddict/getmyspeed/internal/geo"
	"github.com/ComputerScienceAddict/getmyspeed/internal/history"
	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

const shutdownTimeout = 3 * time.Second

// Runtime owns every component built from one loaded configuration.
type Runtime struct {
	cfg      config.Config
	logger   util.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	kv       *history.SQLiteKV
	store    *history.Store
	resolver *geo.Resolver
	engine   *engine.Engine
	control  *control.Server
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	kv, err := history.OpenSQLite(cfg.History.Path)
	if err != nil {
		return nil, err
	}
	store, err := history.NewStore(kv, cfg.History.Limit, logger)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	resolver := geo.NewResolver(cfg.Geo, logger)
	eng := engine.New(cfg, store, resolver, logger)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		kv:       kv,
		store:    store,
		resolver: resolver,
		engine:   eng,
	}
	if cfg.ControlEnabled() {
		r.control = control.NewServer(cfg.Control, eng, store, logger)
	}
	return r, nil
}

// Start brings up the control server when one is configured.
func (r *Runtime) Start() error {
	if r.control != nil {
		return r.control.Start(r.ctx)
	}
	return nil
}

// Engine exposes the measurement engine for direct runs.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Store exposes the history store.
func (r *Runtime) Store() *history.Store {
	return r.store
}

// Stop aborts any active run and releases every component.
func (r *Runtime) Stop() {
	r.engine.Abort()
	r.engine.Wait()
	r.cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	r.resolver.Close()
	if err := r.kv.Close(); err != nil {
		r.logger.Warn("close history store", "error", err)
	}
}
