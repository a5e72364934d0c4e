package app

import (
	"context"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/relaychat/internal/call"
	"github.com/petervdpas/relaychat/internal/channel"
	"github.com/petervdpas/relaychat/internal/coordinator"
	"github.com/petervdpas/relaychat/internal/metrics"
	"github.com/petervdpas/relaychat/internal/util"
	"github.com/petervdpas/relaychat/internal/viewer"
)

const logLines = 800

// RunClient runs one chat peer until ctx is cancelled.
func RunClient(ctx context.Context, o Options) error {
	cfg := o.Cfg
	logBanner("client", o.Dir, o.CfgPath)

	selfID, err := resolvePeerID(cfg.Identity.PeerID)
	if err != nil {
		return err
	}

	logs := viewer.NewLogBuffer(logLines)
	pipe := logging.NewPipeReader()
	defer pipe.Close()
	go func() { _, _ = io.Copy(logs, pipe) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ch, err := channel.New(channel.Options{
		URL:        cfg.Relay.URL,
		PeerID:     selfID,
		MinBackoff: cfg.Relay.MinBackoff(),
		MaxBackoff: cfg.Relay.MaxBackoff(),
		QueueSize:  cfg.Relay.QueueSize,
	})
	if err != nil {
		return err
	}

	media, peers, err := call.NewPion(call.PionOptions{
		ICEServers:      cfg.Call.ICEServers,
		ICEDisconnected: seconds(cfg.Call.ICEDisconnectedSec),
		ICEFailed:       seconds(cfg.Call.ICEFailedSec),
		ICEKeepalive:    seconds(cfg.Call.ICEKeepaliveSec),
	})
	if err != nil {
		return fmt.Errorf("call stack: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		SelfID:              selfID,
		Channel:             ch,
		Metrics:             metrics.NewClient(reg),
		Media:               media,
		Peers:               peers,
		NegotiationTimeout:  cfg.Call.NegotiationTimeout(),
		Constraints:         call.Constraints{Video: cfg.Call.Video, Audio: cfg.Call.Audio},
		ReceiveOnlyFallback: cfg.Call.ReceiveOnlyFallback,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := watchLogLevel(gctx, o); err != nil {
		log.Warnf("config watch disabled: %v", err)
	}

	// The socket outlives gctx so the coordinator can still send a hangup
	// while shutting down; it is closed once the coordinator is done.
	if err := ch.Connect(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	g.Go(func() error {
		err := coord.Run(gctx)
		if cerr := ch.Close(); err == nil {
			err = cerr
		}
		return err
	})

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		g.Go(func() error {
			return viewer.Start(gctx, addr, viewer.Viewer{Coord: coord, Logs: logs, Gatherer: reg})
		})
		if o.OpenBrowser {
			go func() {
				if err := WaitTCP(addr, 10*time.Second); err != nil {
					log.Warnf("viewer not reachable: %v", err)
					return
				}
				if err := util.OpenURL(url); err != nil {
					log.Warnf("open browser: %v", err)
				}
			}()
		}
	}

	log.Infof("peer %s joining %s", selfID, cfg.Relay.URL)
	return g.Wait()
}
