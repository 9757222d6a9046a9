package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/shirube/internal/model"
)

// Manifest is a YAML catalog file:
//
//	tools:
//	  - name: weather
//	    transport: network
//	    endpoint_or_command: https://weather.example.com/mcp
//	    description: Current conditions and forecasts by city.
//	    category: weather
//	    trust_score: 70
type Manifest struct {
	Tools []model.UpsertToolRequest `yaml:"tools"`
}

// LoadManifest decodes a manifest. Unknown keys are rejected so that typos
// surface at startup instead of registering half-configured tools.
func LoadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("catalog: decode manifest: %w", err)
	}
	return m, nil
}

// LoadManifestFile reads a manifest from disk. An empty path yields an empty
// manifest.
func LoadManifestFile(path string) (Manifest, error) {
	if path == "" {
		return Manifest{}, nil
	}
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Manifest{}, fmt.Errorf("catalog: open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadManifest(f)
}

// SyncManifest registers every entry of the manifest at path. Invalid entries
// are skipped and reported together; valid ones are still registered.
func (s *Service) SyncManifest(ctx context.Context, path string) (int, error) {
	m, err := LoadManifestFile(path)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for i, req := range m.Tools {
		if _, err := s.Register(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("tools[%d] %q: %w", i, req.Name, err))
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("catalog: manifest synced", "path", path, "tools", n, "skipped", len(errs))
	}
	return n, errors.Join(errs...)
}
