package routes

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/relaychat/internal/call"
	"github.com/petervdpas/relaychat/internal/chat"
	"github.com/petervdpas/relaychat/internal/coordinator"
)

var log = logging.Logger("viewer")

// Coordinator is the part of the sync coordinator the HTTP API drives.
type Coordinator interface {
	SelfID() string
	Timeline() []chat.Message
	Connected() bool
	Subscribe(buffer int) (<-chan coordinator.Notification, func())
	SendMessage(out chat.Outgoing) error
	StartCall(ctx context.Context, remote string) (call.Status, error)
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	Hangup(ctx context.Context) error
	CallStatus(ctx context.Context) (call.Status, bool, error)
}

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Coord Coordinator
	Logs  Logs // optional
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerStatusRoutes(mux, d)
	RegisterChat(mux, d.Coord)
	RegisterCall(mux, d.Coord)
	RegisterEvents(mux, d.Coord)
}
