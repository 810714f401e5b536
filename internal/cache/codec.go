package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
)

type envelope struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status"`
	Header     http.Header       `json:"header,omitempty"`
	Vary       map[string]string `json:"vary,omitempty"`
	StoredAt   time.Time         `json:"stored_at"`
	// Body is snappy block encoded.
	Body []byte `json:"body"`
}

// Encode serialises an entry for byte-oriented backends.
func Encode(e Entry) ([]byte, error) {
	env := envelope{
		URL:        e.URL,
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Vary:       e.Vary,
		StoredAt:   e.StoredAt.UTC(),
		Body:       snappy.Encode(nil, e.Body),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry %q: %w", e.URL, err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}

	body, err := snappy.Decode(nil, env.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("decompress cache entry %q: %w", env.URL, err)
	}

	header := env.Header
	if header == nil {
		header = http.Header{}
	}

	return Entry{
		URL:        env.URL,
		StatusCode: env.StatusCode,
		Header:     header,
		Body:       body,
		Vary:       env.Vary,
		StoredAt:   env.StoredAt,
	}, nil
}
