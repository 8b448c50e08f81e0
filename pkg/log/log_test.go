package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warning "))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestNewTagsServiceAndInstance(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", ServiceName: "danmu-bridge", InstanceID: "abc", Output: &buf})
	l.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "danmu-bridge", line[FieldService])
	assert.Equal(t, "abc", line[FieldInstanceID])
	assert.Equal(t, "hello", line["message"])
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})

	ctx := WithField(WithLogger(context.Background(), l), FieldRoomID, "100")
	got := Ctx(ctx)
	got.Info().Msg("x")
	assert.Contains(t, buf.String(), `"room_id":"100"`)

	assert.NotPanics(t, func() { _ = Ctx(context.Background()) })
}

func TestHTTPMiddlewareSetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Output: &buf})

	h := HTTPMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
}
