package personas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spy-chat-core/server/internal/agent/model"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

type seedFile struct {
	Spies []model.Persona `yaml:"spies"`
}

// DecodeYAML reads a `spies:` list. Missing ids are derived from the codename.
func DecodeYAML(r io.Reader) ([]model.Persona, error) {
	var f seedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode personas: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Spies))
	out := make([]model.Persona, 0, len(f.Spies))
	for i, p := range f.Spies {
		if strings.TrimSpace(p.Codename) == "" {
			return nil, fmt.Errorf("persona %d: codename is required", i)
		}
		if p.ID == "" {
			p.ID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p.Codename), " ", "-"))
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("persona %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// SeedFromFile upserts personas from a YAML file. A missing file is not an error.
func SeedFromFile(ctx context.Context, store *SQLiteStore, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logx.Warn().Str("path", path).Msg("Persona seed file not found; skipping")
			return 0, nil
		}
		return 0, fmt.Errorf("open persona seed: %w", err)
	}
	defer f.Close()

	personas, err := DecodeYAML(f)
	if err != nil {
		return 0, err
	}
	if len(personas) == 0 {
		return 0, nil
	}
	if err := store.Upsert(ctx, personas); err != nil {
		return 0, err
	}
	logx.Info().Int("count", len(personas)).Str("path", path).Msg("Seeded personas")
	return len(personas), nil
}
