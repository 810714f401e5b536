// Package storetest holds behavioural checks shared by every cache.Store backend.
package storetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
)

// Factory returns a fresh, empty store. The factory is responsible for cleanup.
type Factory func(t *testing.T) cache.Store

// Run exercises the cache.Store contract against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("OpenIsIdempotent", func(t *testing.T) { testOpenIsIdempotent(t, newStore(t)) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, newStore(t)) })
	t.Run("MissingGeneration", func(t *testing.T) { testMissingGeneration(t, newStore(t)) })
	t.Run("GenerationsAreIsolated", func(t *testing.T) { testGenerationsAreIsolated(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("PutAfterDelete", func(t *testing.T) { testPutAfterDelete(t, newStore(t)) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

// SampleEntry builds a small HTML entry for url.
func SampleEntry(url, body string) cache.Entry {
	return cache.Entry{
		URL:        url,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
		StoredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testOpenIsIdempotent(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "grwh-cache-v1"))
	require.NoError(t, s.Put(ctx, "grwh-cache-v1", cache.Record{Key: "GET http://app/", Entry: SampleEntry("http://app/", "root")}))
	require.NoError(t, s.Open(ctx, "grwh-cache-v1"))

	_, ok, err := s.Get(ctx, "grwh-cache-v1", "GET http://app/")
	require.NoError(t, err)
	assert.True(t, ok, "reopening must not clear entries")

	names, err := s.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"grwh-cache-v1"}, names)
}

func testPutGet(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "v1"))

	want := SampleEntry("http://app/index.html", "<html>index</html>")
	want.Vary = map[string]string{"Accept-Encoding": "gzip"}
	require.NoError(t, s.Put(ctx, "v1",
		cache.Record{Key: "GET http://app/index.html", Entry: want},
		cache.Record{Key: "GET http://app/favicon.ico", Entry: SampleEntry("http://app/favicon.ico", "ico")},
	))

	got, ok, err := s.Get(ctx, "v1", "GET http://app/index.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.URL, got.URL)
	assert.Equal(t, want.StatusCode, got.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", got.Header.Get("Content-Type"))
	assert.Equal(t, string(want.Body), string(got.Body))
	assert.Equal(t, want.Vary, got.Vary)
	assert.True(t, want.StoredAt.Equal(got.StoredAt))

	_, ok, err = s.Get(ctx, "v1", "GET http://app/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.Keys(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://app/favicon.ico", "GET http://app/index.html"}, keys)
}

func testPutReplaces(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "v1"))
	require.NoError(t, s.Put(ctx, "v1", cache.Record{Key: "k", Entry: SampleEntry("http://app/", "first")}))

	got, ok, err := s.Get(ctx, "v1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	got.Body[0] = 'X'

	require.NoError(t, s.Put(ctx, "v1", cache.Record{Key: "k", Entry: SampleEntry("http://app/", "second")}))
	got, ok, err = s.Get(ctx, "v1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(got.Body))

	keys, err := s.Keys(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func testMissingGeneration(t *testing.T, s cache.Store) {
	ctx := context.Background()

	_, _, err := s.Get(ctx, "nope", "k")
	assert.ErrorIs(t, err, cache.ErrNoGeneration)

	err = s.Put(ctx, "nope", cache.Record{Key: "k", Entry: SampleEntry("http://app/", "x")})
	assert.ErrorIs(t, err, cache.ErrNoGeneration)

	_, err = s.Keys(ctx, "nope")
	assert.ErrorIs(t, err, cache.ErrNoGeneration)

	names, err := s.Generations(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "failed put must not create a generation")
}

func testGenerationsAreIsolated(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "cache-v1"))
	require.NoError(t, s.Open(ctx, "cache-v2"))
	require.NoError(t, s.Put(ctx, "cache-v1", cache.Record{Key: "k", Entry: SampleEntry("http://app/", "old")}))

	_, ok, err := s.Get(ctx, "cache-v2", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := s.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache-v1", "cache-v2"}, names)
}

func testDelete(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "cache-v1"))
	require.NoError(t, s.Put(ctx, "cache-v1", cache.Record{Key: "k", Entry: SampleEntry("http://app/", "old")}))

	existed, err := s.Delete(ctx, "cache-v1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "cache-v1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, _, err = s.Get(ctx, "cache-v1", "k")
	assert.ErrorIs(t, err, cache.ErrNoGeneration)

	// A reopened generation starts empty.
	require.NoError(t, s.Open(ctx, "cache-v1"))
	_, ok, err := s.Get(ctx, "cache-v1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPutAfterDelete(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "cache-v1"))
	_, err := s.Delete(ctx, "cache-v1")
	require.NoError(t, err)

	err = s.Put(ctx, "cache-v1", cache.Record{Key: "k", Entry: SampleEntry("http://app/", "late")})
	assert.ErrorIs(t, err, cache.ErrNoGeneration)

	names, err := s.Generations(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "a late write must not resurrect a deleted generation")

	_, _, err = s.Get(ctx, "cache-v1", "k")
	assert.ErrorIs(t, err, cache.ErrNoGeneration)
}

func testConcurrent(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "v1"))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				key := fmt.Sprintf("GET http://app/%d", i)
				body := fmt.Sprintf("w%d-%d", w, i)
				assert.NoError(t, s.Put(ctx, "v1", cache.Record{Key: key, Entry: SampleEntry("http://app/", body)}))
				_, _, err := s.Get(ctx, "v1", key)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	keys, err := s.Keys(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, keys, 16)
}
