package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spy-chat-core/server/internal/agent/model"
)

// FileMissionStore reads mission briefings from <dir>/<id>.txt.
type FileMissionStore struct {
	dir string
}

func NewFileMissionStore(dir string) *FileMissionStore {
	return &FileMissionStore{dir: dir}
}

func (s *FileMissionStore) GetText(ctx context.Context, missionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// exact key lookup only; anything that would leave dir is simply absent
	if missionID == "" || missionID == "." || missionID == ".." ||
		strings.ContainsAny(missionID, `/\`) {
		return "", model.ErrMissionNotFound
	}

	b, err := os.ReadFile(filepath.Join(s.dir, missionID+".txt"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", model.ErrMissionNotFound
		}
		return "", fmt.Errorf("read mission %s: %w", missionID, err)
	}
	return string(b), nil
}

// MapMissionStore is an in-memory MissionStore.
type MapMissionStore map[string]string

func (m MapMissionStore) GetText(_ context.Context, missionID string) (string, error) {
	text, ok := m[missionID]
	if !ok {
		return "", model.ErrMissionNotFound
	}
	return text, nil
}

var (
	_ model.MissionStore = (*FileMissionStore)(nil)
	_ model.MissionStore = MapMissionStore(nil)
)
