package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObjectStore implements the HTTP surface the Object backend expects:
// GET/PUT/DELETE per object, listing via ?prefix= at the prefix root, and
// If-None-Match conditional writes.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjectStore) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		key := strings.TrimPrefix(r.URL.Path, "/syphon")
		key = strings.TrimPrefix(key, "/")

		switch {
		case r.Method == http.MethodGet && key == "":
			prefix := r.URL.Query().Get("prefix")
			keys := []string{}
			for k := range f.objects {
				if strings.HasPrefix(k, prefix) {
					keys = append(keys, k)
				}
			}
			body, err := sonic.Marshal(keys)
			require.NoError(t, err)
			w.Write(body)

		case r.Method == http.MethodGet:
			blob, ok := f.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(blob)

		case r.Method == http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			if r.Header.Get("If-None-Match") == "*" {
				if _, ok := f.objects[key]; ok {
					w.WriteHeader(http.StatusPreconditionFailed)
					return
				}
			}
			f.objects[key] = body
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodDelete:
			if _, ok := f.objects[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.objects, key)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func newObjectBackend(t *testing.T) (*Object, *fakeObjectStore) {
	t.Helper()
	store := &fakeObjectStore{objects: make(map[string][]byte)}
	srv := httptest.NewServer(store.handler(t))
	t.Cleanup(srv.Close)

	o, err := NewObject(srv.URL, "syphon")
	require.NoError(t, err)
	return o, store
}

func TestObjectGetPutDelete(t *testing.T) {
	ctx := context.Background()
	o, _ := newObjectBackend(t)

	_, err := o.Get(ctx, "state/a:b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, o.Put(ctx, "state/a:b", []byte(`{"x":1}`)))

	blob, err := o.Get(ctx, "state/a:b")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), blob)

	require.NoError(t, o.Delete(ctx, "state/a:b"))
	assert.ErrorIs(t, o.Delete(ctx, "state/a:b"), ErrNotFound)
}

func TestObjectPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	o, store := newObjectBackend(t)

	require.NoError(t, o.PutIfAbsent(ctx, "locks/a:b", []byte("one")))
	assert.ErrorIs(t, o.PutIfAbsent(ctx, "locks/a:b", []byte("two")), ErrExists)

	assert.Equal(t, []byte("one"), store.objects["locks/a:b"])
}

func TestObjectList(t *testing.T) {
	ctx := context.Background()
	o, _ := newObjectBackend(t)

	require.NoError(t, o.Put(ctx, "jobs/a:b/run_1", []byte("1")))
	require.NoError(t, o.Put(ctx, "jobs/a:b/run_2", []byte("2")))
	require.NoError(t, o.Put(ctx, "state/a:b", []byte("s")))

	keys, err := o.List(ctx, "jobs/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"jobs/a:b/run_1", "jobs/a:b/run_2"}, keys)
}

func TestNewObjectRequiresBaseURL(t *testing.T) {
	_, err := NewObject("", "syphon")
	assert.Error(t, err)
}
