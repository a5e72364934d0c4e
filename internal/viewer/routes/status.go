package routes

import (
	"net/http"

	"github.com/petervdpas/relaychat/internal/call"
)

type statusResponse struct {
	Connected bool         `json:"connected"`
	PeerID    string       `json:"peer_id"`
	Call      *call.Status `json:"call"`
}

func registerStatusRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Connected: d.Coord.Connected(),
			PeerID:    d.Coord.SelfID(),
		}
		st, ok, err := d.Coord.CallStatus(r.Context())
		if err != nil {
			writeError(w, "status", err)
			return
		}
		if ok {
			resp.Call = &st
		}
		writeJSON(w, resp)
	})
}
