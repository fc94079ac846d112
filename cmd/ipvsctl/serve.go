package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scitags/ipvs-go/api"
	"github.com/scitags/ipvs-go/exporter"
	"github.com/scitags/ipvs-go/state"
)

// serve runs every configured component until ctx is done.
func serve(ctx context.Context, conf *Config, lc *lockedClient) error {
	var reg *prometheus.Registry
	if conf.Exporter != nil {
		col, err := exporter.NewCollector(conf.Exporter, lc)
		if err != nil {
			return err
		}
		if reg, err = col.Registry(); err != nil {
			return err
		}
		if conf.Api == nil {
			slog.Warn("metrics are only served through the api; consider enabling it")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		errc = make(chan error, 1)
	)

	if conf.Api != nil {
		// A nil *prometheus.Registry is not a nil prometheus.Gatherer.
		var g prometheus.Gatherer
		if reg != nil {
			g = reg
		}
		srv := api.New(conf.Api, lc, g)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errc <- err
				cancel()
			}
		}()
	}

	if conf.StatePath != "" {
		r := &reconciler{ctl: lc, opts: state.Options{Purge: conf.Purge}}

		apply := func(st *state.State) {
			if _, err := r.apply(ctx, st); err != nil {
				slog.Error("error reconciling", "err", err)
			}
		}

		// Load on every round so that drains eventually complete even if
		// the file's left alone.
		load := func() {
			if _, err := r.load(ctx, conf.StatePath); err != nil {
				slog.Error("error reconciling", "path", conf.StatePath, "err", err)
			}
		}
		load()

		if conf.Watch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := state.Watch(ctx, conf.StatePath, state.DefaultSettle, apply); err != nil {
					slog.Error("couldn't watch the state", "err", err)
				}
			}()
		}

		if conf.Period != 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				periodic(ctx, time.Duration(conf.Period)*time.Second, load)
			}()
		}
	}

	<-ctx.Done()
	slog.Debug("shutting down")
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// reconciler runs whole plan and apply rounds one at a time. The watcher and
// the periodic reload would otherwise plan against the same listing and race
// each other's creations.
type reconciler struct {
	mu   sync.Mutex
	ctl  state.Controller
	opts state.Options
}

func (r *reconciler) apply(ctx context.Context, st *state.State) ([]state.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	actions, err := reconcile(ctx, r.ctl, st, r.opts, false)
	if err != nil {
		return nil, err
	}
	if len(actions) != 0 {
		slog.Info("reconciled", "nActions", len(actions))
	}
	return actions, nil
}

func (r *reconciler) load(ctx context.Context, path string) ([]state.Action, error) {
	st, err := state.Load(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't load the state: %w", err)
	}
	return r.apply(ctx, st)
}
