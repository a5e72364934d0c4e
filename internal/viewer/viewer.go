// Package viewer serves the local presentation API: timeline, composer,
// connection status, call control and a server-sent event stream.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/relaychat/internal/metrics"
	"github.com/petervdpas/relaychat/internal/viewer/routes"
)

var log = logging.Logger("viewer")

const shutdownTimeout = 5 * time.Second

type Viewer struct {
	Coord    routes.Coordinator
	Logs     *LogBuffer          // optional
	Gatherer prometheus.Gatherer // optional; enables /metrics
}

// Handler builds the viewer's HTTP handler.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	var logs routes.Logs
	if v.Logs != nil {
		logs = v.Logs
	}
	routes.Register(mux, routes.Deps{Coord: v.Coord, Logs: logs})

	if v.Gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(v.Gatherer))
	}
	return noCache(mux)
}

// Start serves the viewer on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	if v.Coord == nil {
		return errors.New("viewer: coordinator is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("viewer listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("viewer listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
