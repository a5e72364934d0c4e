package routes

import (
	"net/http"
	"time"

	"github.com/petervdpas/relaychat/internal/chat"
)

// timelineEntry is a message shaped for display.
type timelineEntry struct {
	ID        string           `json:"id"`
	Origin    string           `json:"origin"`
	Kind      chat.PayloadKind `json:"kind"`
	Text      string           `json:"text,omitempty"`
	Audio     string           `json:"audio,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Time      string           `json:"time"`
	Date      string           `json:"date"`
}

func toEntry(m chat.Message) timelineEntry {
	return timelineEntry{
		ID:        m.ID,
		Origin:    m.Origin,
		Kind:      m.Kind(),
		Text:      m.Text,
		Audio:     m.AudioRef,
		CreatedAt: m.CreatedAt,
		Time:      chat.FormatTime(m.CreatedAt),
		Date:      chat.FormatDate(m.CreatedAt),
	}
}

func RegisterChat(mux *http.ServeMux, coord Coordinator) {
	// GET /api/chat/messages: the timeline in display order.
	handleGet(mux, "/api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		msgs := coord.Timeline()
		out := make([]timelineEntry, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, toEntry(m))
		}
		writeJSON(w, out)
	})

	// POST /api/chat/send: the message shows up once the relay echoes it.
	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Text  string `json:"text"`
		Audio string `json:"audio"`
	}) {
		out := chat.Outgoing{Text: req.Text, AudioRef: req.Audio}
		if req.Audio == "" {
			out = chat.NewText(req.Text)
		} else if req.Text == "" {
			out = chat.NewAudio(req.Audio)
		}
		if err := coord.SendMessage(out); err != nil {
			writeError(w, "send", err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})
}
