package routes

import (
	"net/http"
	"strings"
)

// RegisterCall registers the call control endpoints. There is at most one
// call at a time, so accept, reject and hangup take no arguments.
func RegisterCall(mux *http.ServeMux, coord Coordinator) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RemotePeer string `json:"remote_peer"`
	}) {
		remote := strings.TrimSpace(req.RemotePeer)
		if remote == "" {
			http.Error(w, "missing remote_peer", http.StatusBadRequest)
			return
		}
		st, err := coord.StartCall(r.Context(), remote)
		if err != nil {
			writeError(w, "start call", err)
			return
		}
		log.Infof("call %s to %s started from viewer", st.ID, remote)
		writeJSON(w, st)
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := coord.AcceptCall(r.Context()); err != nil {
			writeError(w, "accept call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := coord.RejectCall(r.Context()); err != nil {
			writeError(w, "reject call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := coord.Hangup(r.Context()); err != nil {
			writeError(w, "hangup", err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// GET /api/call/status: live session status, usable without a UI.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		st, ok, err := coord.CallStatus(r.Context())
		if err != nil {
			writeError(w, "call status", err)
			return
		}
		resp := map[string]any{"active": ok, "call": nil}
		if ok {
			resp["call"] = st
		}
		writeJSON(w, resp)
	})
}
