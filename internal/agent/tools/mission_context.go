package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/spy-chat-core/server/internal/agent/model"
)

const ToolGetMissionContext = "get_mission_context"

// MissionNotFoundMessage is the payload returned for unknown mission ids.
const MissionNotFoundMessage = "not found"

var missionContextParams = map[string]*schema.ParameterInfo{
	"mission_id": {
		Type:     schema.String,
		Desc:     "The exact mission identifier the user mentioned (e.g. paris, op-nightfall). Never guess an id.",
		Required: true,
	},
}

const missionContextDesc = "Retrieve the briefing text for a specific mission. " +
	"Only call this when the user explicitly names a mission ID."

// RegisterMissionContext registers get_mission_context backed by store.
func RegisterMissionContext(r *Registry, store model.MissionStore) error {
	return r.Register(ToolGetMissionContext, missionContextDesc, missionContextParams, NewMissionContextTool(store))
}

// NewMissionContextTool returns the exact-key mission lookup tool.
func NewMissionContextTool(store model.MissionStore) Tool {
	return ToolFunc(func(ctx context.Context, args map[string]any) (any, error) {
		missionID, _ := args["mission_id"].(string)
		switch strings.ToLower(strings.TrimSpace(missionID)) {
		case "", "none", "not specified":
			return nil, errors.New("no mission ID provided")
		}

		text, err := store.GetText(ctx, missionID)
		if err != nil {
			if errors.Is(err, model.ErrMissionNotFound) {
				return nil, errors.New(MissionNotFoundMessage)
			}
			return nil, err
		}
		return text, nil
	})
}
