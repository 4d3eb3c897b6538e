package playback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRegistryCreateAndRevoke(t *testing.T) {
	t.Parallel()

	reg := NewRegistry("http://127.0.0.1:8089/")
	first := reg.Create("u-1", []byte("RIFF"), "audio/wav")
	second := reg.Create("u-1", []byte("RIFF"), "audio/wav")

	assert.True(t, strings.HasPrefix(first, "http://127.0.0.1:8089/utterances/"))
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, reg.Len())

	reg.Revoke(first)
	reg.Revoke(first)
	reg.Revoke("blob:unknown")
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryCopiesBlob(t *testing.T) {
	t.Parallel()

	reg := NewRegistry("")
	blob := []byte("abc")
	url := reg.Create("u-1", blob, "audio/wav")
	blob[0] = 'x'

	token, ok := reg.tokenFor(url)
	require.True(t, ok)
	c, ok := reg.lookup(token)
	require.True(t, ok)
	assert.Equal(t, "abc", string(c.blob))
}

func TestServerServesClipUntilRevoked(t *testing.T) {
	t.Parallel()

	reg := NewRegistry("")
	srv := NewServer("127.0.0.1:0", reg, nil, zerolog.Nop())
	url := reg.Create("u-7", []byte("RIFF....WAVE"), "audio/wav")

	rec := get(t, srv.Handler(), url)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "u-7", rec.Header().Get("X-Utterance-Id"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "RIFF....WAVE", rec.Body.String())

	reg.Revoke(url)
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), url).Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/utterances/not-a-token").Code)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "carescribe_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := NewServer("127.0.0.1:0", NewRegistry(""), registry, zerolog.Nop())
	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carescribe_test_total 1")

	noMetrics := NewServer("127.0.0.1:0", NewRegistry(""), nil, zerolog.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, noMetrics.Handler(), "/metrics").Code)
}

func TestServerStartAndStop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry("")
	srv := NewServer("127.0.0.1:0", reg, nil, zerolog.Nop())
	require.NoError(t, srv.Start())

	url := reg.Create("u-1", []byte("clip"), "audio/wav")
	resp, err := http.Get("http://" + srv.Addr() + url)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}
