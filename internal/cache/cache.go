package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNoGeneration is returned when an operation targets a generation that was never opened.
var ErrNoGeneration = errors.New("cache generation does not exist")

// Entry is a response snapshot held by a cache generation.
type Entry struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Vary holds the request header values named by the response Vary header at write time.
	Vary     map[string]string
	StoredAt time.Time
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	if e.Vary != nil {
		out.Vary = make(map[string]string, len(e.Vary))
		for k, v := range e.Vary {
			out.Vary[k] = v
		}
	}
	return out
}

// Record pairs a request key with the entry stored under it.
type Record struct {
	Key   string
	Entry Entry
}

// Store is a set of named cache generations. Implementations must be safe for
// concurrent use by multiple goroutines.
type Store interface {
	// Open creates the named generation if it does not exist yet.
	Open(ctx context.Context, generation string) error
	// Get returns the entry stored under key, if any.
	Get(ctx context.Context, generation, key string) (Entry, bool, error)
	// Put writes all records or none of them. Existing keys are replaced.
	Put(ctx context.Context, generation string, records ...Record) error
	// Keys lists the request keys held by a generation.
	Keys(ctx context.Context, generation string) ([]string, error)
	// Generations lists generation names in lexical order.
	Generations(ctx context.Context) ([]string, error)
	// Delete removes a generation and everything in it. It reports whether the generation existed.
	Delete(ctx context.Context, generation string) (bool, error)
	Close() error
}
