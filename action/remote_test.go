package action

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/treadle-ci/treadle/workflow"
)

const cacheManifest = `
name: cache
steps:
  - name: Restore cache
    run: treadle-cache restore
    env:
      CACHE_DIR: /var/cache/treadle
`

func TestRemoteStoreResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/actions/cache/v1.yaml", r.URL.Path)
		w.Write([]byte(cacheManifest))
	}))
	defer srv.Close()

	store := NewRemoteStore(srv.URL)
	act, err := store.Resolve(context.Background(), workflow.Ref{Name: "actions/cache", Version: "v1"})
	assert.NoError(t, err)

	steps, err := act.Expand(RunContext{}, workflow.Inputs{"cache-key": "cargo-v1"})
	assert.NoError(t, err)
	assert.Len(t, steps, 1)
	assert.Equal(t, "Restore cache", steps[0].Name)
	assert.Equal(t, "treadle-cache restore", steps[0].Command)
	assert.Equal(t, "cargo-v1", steps[0].Env["INPUT_CACHE_KEY"], "inputs surface as INPUT_* env vars")
	assert.Equal(t, "/var/cache/treadle", steps[0].Env["CACHE_DIR"])
}

func TestRemoteStoreNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := NewRemoteStore(srv.URL)
	_, err := store.Resolve(context.Background(), workflow.Ref{Name: "nope", Version: "v1"})
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, int32(1), hits.Load(), "404 should not be retried")
}

func TestRemoteStoreRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(cacheManifest))
	}))
	defer srv.Close()

	store := NewRemoteStore(srv.URL)
	_, err := store.Resolve(context.Background(), workflow.Ref{Name: "actions/cache", Version: "v1"})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestRemoteStoreEmptyManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("name: empty\n"))
	}))
	defer srv.Close()

	store := NewRemoteStore(srv.URL)
	_, err := store.Resolve(context.Background(), workflow.Ref{Name: "empty", Version: "v1"})
	assert.Error(t, err)
}

func TestRegistryFallsBackToStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(cacheManifest))
	}))
	defer srv.Close()

	r := Builtin(WithFallback(NewRemoteStore(srv.URL)))

	// builtins stay local
	act, err := r.Resolve(context.Background(), workflow.Ref{Name: "checkout", Version: "v2"})
	assert.NoError(t, err)
	assert.IsType(t, CheckoutAction{}, act)

	// everything else goes through the store
	act, err = r.Resolve(context.Background(), workflow.Ref{Name: "actions/cache", Version: "v1"})
	assert.NoError(t, err)
	assert.IsType(t, manifestAction{}, act)
}
