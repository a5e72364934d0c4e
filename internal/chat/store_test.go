package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string) Message {
	return Message{ID: id, Origin: "10.0.0.1", CreatedAt: time.Unix(1700000000, 0), Text: "hi " + id}
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestStoreAppendIsIdempotent(t *testing.T) {
	s := NewStore()

	added, err := s.Append(msg("1"))
	require.NoError(t, err)
	assert.True(t, added)
	_, err = s.Append(msg("2"))
	require.NoError(t, err)

	added, err = s.Append(msg("1"))
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []string{"1", "2"}, ids(s.All()))
}

func TestStoreInitializeKeepsLiveMessages(t *testing.T) {
	s := NewStore()
	_, _ = s.Append(msg("1"))
	_, _ = s.Append(msg("2"))

	assert.Zero(t, s.Initialize([]Message{msg("1"), msg("3")}))

	assert.Equal(t, []string{"1", "3", "2"}, ids(s.All()))
	assert.True(t, s.Contains("2"))
}

func TestStoreInitializeOnEmptyStore(t *testing.T) {
	s := NewStore()
	assert.Zero(t, s.Initialize([]Message{msg("a"), msg("b"), msg("a")}))
	assert.Equal(t, []string{"a", "b"}, ids(s.All()))

	added, err := s.Append(msg("b"))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestStoreRepeatedInitializeNeverRegresses(t *testing.T) {
	s := NewStore()
	s.Initialize([]Message{msg("1"), msg("2")})
	_, _ = s.Append(msg("3"))

	// A reconnect snapshot that is older than what we already have.
	s.Initialize([]Message{msg("1")})
	assert.Equal(t, []string{"1", "2", "3"}, ids(s.All()))
}

func window(from, to int) []Message {
	out := make([]Message, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, msg(fmt.Sprintf("m%03d", i)))
	}
	return out
}

func TestStoreReconnectWindowKeepsOrder(t *testing.T) {
	s := NewStore()
	s.Initialize(window(1, 100))

	// The relay only sends its newest messages: the oldest five fell out of
	// the window and five arrived while we were away.
	s.Initialize(window(6, 105))

	assert.Equal(t, ids(window(1, 105)), ids(s.All()))
}

func TestStoreReconnectSlotsMissedMessages(t *testing.T) {
	s := NewStore()
	s.Initialize([]Message{msg("a"), msg("b")})
	_, _ = s.Append(msg("d"))
	_, _ = s.Append(msg("e"))

	// c was missed during a gap and the relay places f between d and e.
	s.Initialize([]Message{msg("b"), msg("c"), msg("d"), msg("f"), msg("e"), msg("g")})

	assert.Equal(t, []string{"a", "b", "c", "d", "f", "e", "g"}, ids(s.All()))
}

func TestStoreReconnectDisjointWindowAppends(t *testing.T) {
	s := NewStore()
	s.Initialize([]Message{msg("1"), msg("2")})
	view := s.All()

	s.Initialize([]Message{msg("8"), msg("9"), msg("8")})

	assert.Equal(t, []string{"1", "2", "8", "9"}, ids(s.All()))
	assert.Equal(t, []string{"1", "2"}, ids(view), "earlier views are not rewritten")
	assert.True(t, s.Contains("9"))

	added, err := s.Append(msg("9"))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestStoreRejectsMalformedMessage(t *testing.T) {
	s := NewStore()
	_, _ = s.Append(msg("1"))

	_, err := s.Append(Message{ID: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Field)

	skipped := s.Initialize([]Message{msg("2"), {ID: "bad"}, msg("3")})
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []string{"2", "3", "1"}, ids(s.All()), "valid entries survive")
	assert.False(t, s.Contains("bad"))
}

func TestStoreAllIsStableView(t *testing.T) {
	s := NewStore()
	_, _ = s.Append(msg("1"))
	view := s.All()

	_, _ = s.Append(msg("2"))
	assert.Len(t, view, 1)

	_ = append(view, msg("evil"))
	assert.Equal(t, []string{"1", "2"}, ids(s.All()))
	assert.Equal(t, 2, s.Len())
}

func TestOutgoingValidate(t *testing.T) {
	tests := []struct {
		name    string
		out     Outgoing
		wantErr bool
	}{
		{name: "text", out: NewText("  hola  ")},
		{name: "blank text", out: NewText("   "), wantErr: true},
		{name: "audio", out: NewAudio("https://cdn.example.org/a.ogg")},
		{name: "relative audio", out: NewAudio("/uploads/a.ogg"), wantErr: true},
		{name: "ftp audio", out: NewAudio("ftp://example.org/a.ogg"), wantErr: true},
		{name: "both", out: Outgoing{Text: "x", AudioRef: "https://example.org/a"}, wantErr: true},
		{name: "empty", out: Outgoing{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.out.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
	assert.Equal(t, "hola", NewText("  hola  ").Text)
}

func TestMessageKind(t *testing.T) {
	assert.Equal(t, PayloadText, msg("1").Kind())
	assert.Equal(t, PayloadAudio, Message{ID: "2", AudioRef: "https://x.org/a"}.Kind())
	assert.Equal(t, PayloadKind(""), Message{ID: "3"}.Kind())
}
