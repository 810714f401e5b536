// Package manifest describes one deployment of the cached application: the
// generation name and the assets that must be present once it is installed.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultVersion names the first cache generation.
const DefaultVersion = "grwh-cache-v1"

// DefaultFallback is served to navigations while the network is unavailable.
const DefaultFallback = "/index.html"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Manifest is the deployment descriptor. Changing Assets requires a new Version.
type Manifest struct {
	Version  string   `yaml:"version"`
	Fallback string   `yaml:"fallback"`
	Assets   []string `yaml:"assets"`
}

// Default returns the built-in descriptor: the root document, the HTML entry
// point, the web app manifest and the favicon.
func Default() Manifest {
	return Manifest{
		Version:  DefaultVersion,
		Fallback: DefaultFallback,
		Assets: []string{
			"/",
			"/index.html",
			"/manifest.json",
			"/favicon.ico",
		},
	}
}

// Load reads a descriptor from path. An empty path yields Default.
func Load(path string) (Manifest, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML descriptor. Missing fields take their defaults.
func Parse(data []byte) (Manifest, error) {
	m := Default()
	m.Assets = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if m.Assets == nil {
		m.Assets = Default().Assets
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks the descriptor.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalid)
	}
	if len(m.Assets) == 0 {
		return fmt.Errorf("%w: at least one asset is required", ErrInvalid)
	}
	if !strings.HasPrefix(m.Fallback, "/") {
		return fmt.Errorf("%w: fallback %q must be an absolute path", ErrInvalid, m.Fallback)
	}

	seen := make(map[string]struct{}, len(m.Assets))
	for _, a := range m.Assets {
		if !strings.HasPrefix(a, "/") {
			return fmt.Errorf("%w: asset %q must be an absolute path", ErrInvalid, a)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: duplicate asset %q", ErrInvalid, a)
		}
		seen[a] = struct{}{}
	}
	return nil
}

// Equal reports whether two descriptors describe the same deployment.
func (m Manifest) Equal(o Manifest) bool {
	if m.Version != o.Version || m.Fallback != o.Fallback || len(m.Assets) != len(o.Assets) {
		return false
	}
	for i := range m.Assets {
		if m.Assets[i] != o.Assets[i] {
			return false
		}
	}
	return true
}
