package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/relaychat/internal/metrics"
	"github.com/petervdpas/relaychat/internal/relay"
	"github.com/petervdpas/relaychat/internal/util"
)

// RunRelay serves the relay until ctx is cancelled.
func RunRelay(ctx context.Context, o Options) error {
	cfg := o.Cfg.Server
	logBanner("relay", o.Dir, o.CfgPath)

	history, err := relay.OpenHistory(ctx, relay.HistoryConfig{
		Backend:  cfg.History,
		Capacity: cfg.HistorySize,
		DBPath:   util.ResolvePath(o.Dir, cfg.DBPath),
		RedisURL: cfg.RedisURL,
		RedisKey: cfg.RedisKey,
	})
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer history.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := relay.NewHub(relay.Options{
		History:       history,
		Metrics:       metrics.NewRelay(reg),
		SnapshotLimit: cfg.SnapshotLimit,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           relay.NewRouter(hub, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := watchLogLevel(gctx, o); err != nil {
		log.Warnf("config watch disabled: %v", err)
	}
	g.Go(func() error {
		log.Infof("relay listening on ws://%s/ws (history: %s)", ln.Addr(), cfg.History)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
