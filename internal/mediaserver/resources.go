package mediaserver

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type resourceKind int

const (
	kindFile resourceKind = iota
	kindStream
)

// resource is one registered item, addressed by an unguessable token.
type resource struct {
	kind   resourceKind
	path   string // local file path (kindFile)
	origin string // upstream URL (kindStream)
	ext    string // file extension including the dot, may be empty
}

// resourceTable maps tokens to resources. Tokens are random UUIDs, so
// possession of a URL is the only capability needed and nothing else is
// discoverable from it.
type resourceTable struct {
	mu      sync.RWMutex
	byToken map[string]resource
}

func newResourceTable() *resourceTable {
	return &resourceTable{byToken: make(map[string]resource)}
}

func (t *resourceTable) addFile(path string) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.byToken[token] = resource{
		kind: kindFile,
		path: path,
		ext:  strings.ToLower(filepath.Ext(path)),
	}
	t.mu.Unlock()
	return token
}

func (t *resourceTable) addStream(origin string) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.byToken[token] = resource{kind: kindStream, origin: origin}
	t.mu.Unlock()
	return token
}

func (t *resourceTable) get(token string) (resource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byToken[token]
	return r, ok
}

func (t *resourceTable) remove(token string) {
	t.mu.Lock()
	delete(t.byToken, token)
	t.mu.Unlock()
}

func (t *resourceTable) removeAll() {
	t.mu.Lock()
	t.byToken = make(map[string]resource)
	t.mu.Unlock()
}

func (t *resourceTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byToken)
}
