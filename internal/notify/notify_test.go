package notify

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a := New(KindInfo, CodeLoginRequested, "check your inbox")
	b := New(KindInfo, CodeLoginRequested, "check your inbox")

	_, err := ulid.Parse(a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.At.IsZero())
	assert.Equal(t, KindInfo, a.Kind)
}

func TestMultiSkipsNil(t *testing.T) {
	var r1, r2 Recorder
	s := Multi(&r1, nil, &r2)
	s.Notify(New(KindSuccess, CodeLoginConfirmed, "welcome"))

	assert.Equal(t, []Code{CodeLoginConfirmed}, r1.Codes())
	assert.Equal(t, []Code{CodeLoginConfirmed}, r2.Codes())
}

func TestFunc(t *testing.T) {
	var got Notification
	Func(func(n Notification) { got = n }).Notify(New(KindError, CodeSessionExpired, "expired"))
	assert.Equal(t, CodeSessionExpired, got.Code)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: zerolog.New(&buf)}

	s.Notify(New(KindError, CodeConfirmationFailed, "Invalid or expired token"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "confirmation_failed", line["code"])
	assert.Equal(t, "Invalid or expired token", line["message"])
}

func TestRecorderReset(t *testing.T) {
	var r Recorder
	r.Notify(New(KindInfo, CodeLoggedOut, "bye"))
	require.Len(t, r.All(), 1)
	r.Reset()
	assert.Empty(t, r.All())
}
