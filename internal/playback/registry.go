package playback

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const routePrefix = "/utterances/"

type clip struct {
	utteranceID string
	blob        []byte
	mimeType    string
}

// Registry keeps recorded clips addressable by an opaque URL until they are
// revoked.
type Registry struct {
	baseURL string

	mu    sync.RWMutex
	clips map[string]clip
}

// NewRegistry returns a registry whose URLs are rooted at baseURL, for
// example "http://127.0.0.1:8089". An empty base yields relative URLs.
func NewRegistry(baseURL string) *Registry {
	return &Registry{
		baseURL: strings.TrimRight(baseURL, "/"),
		clips:   make(map[string]clip),
	}
}

// Create stores blob and returns its playback URL. Each call yields a new
// URL, even for the same utterance.
func (r *Registry) Create(id string, blob []byte, mimeType string) string {
	token := uuid.NewString()

	r.mu.Lock()
	r.clips[token] = clip{utteranceID: id, blob: append([]byte(nil), blob...), mimeType: mimeType}
	r.mu.Unlock()

	return r.baseURL + routePrefix + token
}

// Revoke drops the clip behind url. Unknown URLs are ignored.
func (r *Registry) Revoke(url string) {
	token, ok := r.tokenFor(url)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.clips, token)
	r.mu.Unlock()
}

// Len reports how many clips are still registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clips)
}

func (r *Registry) lookup(token string) (clip, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clips[token]
	return c, ok
}

func (r *Registry) tokenFor(url string) (string, bool) {
	idx := strings.LastIndex(url, routePrefix)
	if idx < 0 {
		return "", false
	}
	token := url[idx+len(routePrefix):]
	if _, err := uuid.Parse(token); err != nil {
		return "", false
	}
	return token, true
}
