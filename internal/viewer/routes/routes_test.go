package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/relaychat/internal/call"
	"github.com/petervdpas/relaychat/internal/chat"
	"github.com/petervdpas/relaychat/internal/coordinator"
	"github.com/petervdpas/relaychat/internal/loop"
)

type fakeCoord struct {
	mu        sync.Mutex
	timeline  []chat.Message
	connected bool
	sent      []chat.Outgoing
	active    *call.Status
	startErr  error
	acceptErr error
	calls     []string

	notes      chan coordinator.Notification
	subscribed chan struct{}
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{
		notes:      make(chan coordinator.Notification, 8),
		subscribed: make(chan struct{}, 1),
	}
}

func (f *fakeCoord) SelfID() string { return "alice" }

func (f *fakeCoord) Timeline() []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeline
}

func (f *fakeCoord) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCoord) Subscribe(int) (<-chan coordinator.Notification, func()) {
	f.subscribed <- struct{}{}
	return f.notes, func() {}
}

func (f *fakeCoord) SendMessage(out chat.Outgoing) error {
	if err := out.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, out)
	f.mu.Unlock()
	return nil
}

func (f *fakeCoord) StartCall(_ context.Context, remote string) (call.Status, error) {
	f.record("start:" + remote)
	if f.startErr != nil {
		return call.Status{}, f.startErr
	}
	st := call.Status{ID: "c1", Role: call.RoleCaller, State: call.StateOffering, RemotePeer: remote}
	f.mu.Lock()
	f.active = &st
	f.mu.Unlock()
	return st, nil
}

func (f *fakeCoord) AcceptCall(context.Context) error {
	f.record("accept")
	return f.acceptErr
}

func (f *fakeCoord) RejectCall(context.Context) error {
	f.record("reject")
	return nil
}

func (f *fakeCoord) Hangup(context.Context) error {
	f.record("hangup")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return call.ErrNoActiveCall
	}
	f.active = nil
	return nil
}

func (f *fakeCoord) CallStatus(context.Context) (call.Status, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return call.Status{}, false, nil
	}
	return *f.active, true, nil
}

func (f *fakeCoord) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func newMux(f *fakeCoord) *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux, Deps{Coord: f})
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatMessagesFormatsTimeline(t *testing.T) {
	f := newFakeCoord()
	at := time.Date(2024, 3, 9, 7, 5, 0, 0, time.Local)
	f.timeline = []chat.Message{
		{ID: "1", Origin: "10.0.0.1", CreatedAt: at, Text: "hi"},
		{ID: "2", Origin: "10.0.0.2", CreatedAt: at, AudioRef: "https://x/a.ogg"},
	}

	rec := do(t, newMux(f), http.MethodGet, "/api/chat/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []timelineEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, chat.PayloadText, got[0].Kind)
	assert.Equal(t, "7:05", got[0].Time)
	assert.Equal(t, "09/03/2024", got[0].Date)
	assert.Equal(t, chat.PayloadAudio, got[1].Kind)
	assert.Equal(t, "https://x/a.ogg", got[1].Audio)
}

func TestChatMessagesEmptyIsArray(t *testing.T) {
	rec := do(t, newMux(newFakeCoord()), http.MethodGet, "/api/chat/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestChatSend(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		sent   *chat.Outgoing
	}{
		{"text", `{"text":"  hello "}`, http.StatusAccepted, &chat.Outgoing{Text: "hello"}},
		{"audio", `{"audio":"https://host/clip.ogg"}`, http.StatusAccepted, &chat.Outgoing{AudioRef: "https://host/clip.ogg"}},
		{"empty", `{"text":"   "}`, http.StatusBadRequest, nil},
		{"both", `{"text":"a","audio":"https://host/a"}`, http.StatusBadRequest, nil},
		{"bad audio", `{"audio":"ftp://host/a"}`, http.StatusBadRequest, nil},
		{"bad json", `{"text":`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeCoord()
			rec := do(t, newMux(f), http.MethodPost, "/api/chat/send", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.sent == nil {
				assert.Empty(t, f.sent)
				return
			}
			require.Len(t, f.sent, 1)
			assert.Equal(t, *tt.sent, f.sent[0])
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux := newMux(newFakeCoord())
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, mux, http.MethodGet, "/api/chat/send", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, mux, http.MethodPost, "/api/status", "").Code)
}

func TestStatusReportsConnectionAndCall(t *testing.T) {
	f := newFakeCoord()
	f.connected = true
	mux := newMux(f)

	rec := do(t, mux, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":true,"peer_id":"alice","call":null}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/api/call/start", `{"remote_peer":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/status", "")
	var got struct {
		Call *struct {
			ID         string `json:"id"`
			State      string `json:"state"`
			RemotePeer string `json:"remote_peer"`
		} `json:"call"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Call)
	assert.Equal(t, "c1", got.Call.ID)
	assert.Equal(t, call.StateOffering.String(), got.Call.State)
	assert.Equal(t, "bob", got.Call.RemotePeer)
}

func TestCallEndpoints(t *testing.T) {
	f := newFakeCoord()
	mux := newMux(f)

	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/call/start", `{}`).Code)
	assert.Equal(t, http.StatusConflict, do(t, mux, http.MethodPost, "/api/call/hangup", "").Code)

	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/call/start", `{"remote_peer":" bob "}`).Code)
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/call/accept", "").Code)
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/call/reject", "").Code)

	rec := do(t, mux, http.MethodGet, "/api/call/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":true`)

	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/call/hangup", "").Code)
	rec = do(t, mux, http.MethodGet, "/api/call/status", "")
	assert.JSONEq(t, `{"active":false,"call":null}`, rec.Body.String())

	assert.Equal(t, []string{"start:bob", "accept", "reject", "hangup"}, f.calls[1:])
}

func TestCallErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{call.ErrAlreadyInCall, http.StatusConflict},
		{call.ErrInvalidPeer, http.StatusBadRequest},
		{loop.ErrStopped, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f := newFakeCoord()
		f.startErr = tt.err
		rec := do(t, newMux(f), http.MethodPost, "/api/call/start", `{"remote_peer":"bob"}`)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Contains(t, rec.Body.String(), "start call")
	}

	f := newFakeCoord()
	f.acceptErr = call.ErrNoActiveCall
	assert.Equal(t, http.StatusConflict, do(t, newMux(f), http.MethodPost, "/api/call/accept", "").Code)
}

func TestEventStream(t *testing.T) {
	f := newFakeCoord()
	srv := httptest.NewServer(newMux(f))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	<-f.subscribed
	msg := chat.Message{ID: "m1", Text: "hi"}
	f.notes <- coordinator.Notification{Type: coordinator.NotifyMessage, Message: &msg}

	sc := bufio.NewScanner(resp.Body)
	var events, data []string
	for len(events) < 2 && sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Equal(t, []string{"connected", string(coordinator.NotifyMessage)}, events)
	for len(data) < 2 && sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, data, 2)
	assert.JSONEq(t, `{"peer_id":"alice","connected":false}`, data[0])
	assert.Contains(t, data[1], `"_id":"m1"`)
}
