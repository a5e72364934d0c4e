package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeAndDate(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 9, 7, 0, 0, time.Local)
	assert.Equal(t, "9:07", FormatTime(ts))
	assert.Equal(t, "05/03/2024", FormatDate(ts))

	ts = time.Date(2023, time.December, 31, 23, 59, 0, 0, time.Local)
	assert.Equal(t, "23:59", FormatTime(ts))
	assert.Equal(t, "31/12/2023", FormatDate(ts))
}

func TestMessageDecodesRelayShape(t *testing.T) {
	raw := `{"_id":"65f1","text":"hola","ip":"::1","createdAt":"2024-03-05T09:07:00.000Z"}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "65f1", m.ID)
	assert.Equal(t, "::1", m.Origin)
	assert.Equal(t, "hola", m.Text)
	assert.Equal(t, time.Date(2024, time.March, 5, 9, 7, 0, 0, time.UTC), m.CreatedAt.UTC())
	assert.NoError(t, m.Validate())
}

func TestOutgoingEncodesPayloadOnly(t *testing.T) {
	b, err := json.Marshal(NewText("hey"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hey"}`, string(b))
}
