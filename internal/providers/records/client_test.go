package records

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kbukum/gokit/httpclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carescribe/internal/domain"
)

type fakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	stored   map[string]string
	auth     []string
	extract  string
	failWith int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	f := &fakeBackend{stored: map[string]string{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	if f.failWith != 0 {
		http.Error(w, "backend unavailable", f.failWith)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPut:
		var body transcriptionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.stored[r.URL.EscapedPath()] = body.Transcription
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		text, ok := f.stored[r.URL.EscapedPath()]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(transcriptionBody{Transcription: text})
	case http.MethodPost:
		_, _ = w.Write([]byte(f.extract))
	}
}

func TestClientSaveAndLoadTranscript(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(t)
	client, err := NewClient(Config{BaseURL: backend.URL + "/", Token: "tkn"}, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.SaveTranscript(ctx, "assessments/a1", "Lives with daughter."))

	text, err := client.LoadTranscript(ctx, "assessments/a1")
	require.NoError(t, err)
	assert.Equal(t, "Lives with daughter.", text)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Contains(t, backend.stored, "/assessments/a1/transcription")
	for _, auth := range backend.auth {
		assert.Equal(t, "Bearer tkn", auth)
	}
}

func TestClientExtractFields(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(t)
	backend.extract = `{"mainCoursePercentage": 70, "soupPercentage": null, "beverageType": "WATER"}`
	client, err := NewClient(Config{BaseURL: backend.URL}, zerolog.Nop())
	require.NoError(t, err)

	result, err := client.ExtractFields(context.Background(), "residents/r1/food-records/f1")
	require.NoError(t, err)
	assert.Equal(t, "residents/r1/food-records/f1", result.SessionID)
	assert.Equal(t, domain.IntValue(70), result.Fields["mainCoursePercentage"])
	assert.True(t, result.Fields["soupPercentage"].IsNull())
	assert.Equal(t, domain.StringValue("WATER"), result.Fields["beverageType"])
	assert.False(t, result.ExtractedAt.IsZero())
}

func TestClientStatusError(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(t)
	backend.failWith = http.StatusBadGateway
	client, err := NewClient(Config{BaseURL: backend.URL}, zerolog.Nop())
	require.NoError(t, err)

	err = client.SaveTranscript(context.Background(), "assessments/a1", "x")
	var httpErr *httpclient.Error
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.True(t, httpclient.IsServerError(err))
	assert.Contains(t, string(httpErr.Body), "backend unavailable")
	assert.Contains(t, err.Error(), "PUT /assessments/a1/transcription")
}

func TestClientLoadMissingRecord(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(t)
	client, err := NewClient(Config{BaseURL: backend.URL}, zerolog.Nop())
	require.NoError(t, err)

	_, err = client.LoadTranscript(context.Background(), "assessments/unknown")
	require.Error(t, err)
	assert.True(t, httpclient.IsNotFound(err))
}

func TestClientSendsJSONBody(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, client.SaveTranscript(context.Background(), "assessments/a1", "x"))
	got := <-headers
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Get("Accept"))
}

func TestClientRejectsBadConfigAndPaths(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zerolog.Nop())
	require.Error(t, err)

	client, err := NewClient(Config{BaseURL: "http://localhost"}, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, client.SaveTranscript(context.Background(), " ", "x"))
	require.Error(t, client.SaveTranscript(context.Background(), "assessments/../admin", "x"))
}

func TestRecordPathEscapesSegments(t *testing.T) {
	t.Parallel()

	path, err := recordPath("/residents/r 1/food-records/f1/", "extract")
	require.NoError(t, err)
	assert.Equal(t, "/residents/r%201/food-records/f1/extract", path)
}

func TestClientHonoursContext(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(t)
	client, err := NewClient(Config{BaseURL: backend.URL}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.SaveTranscript(ctx, "assessments/a1", "x")
	require.ErrorIs(t, err, context.Canceled)
}
