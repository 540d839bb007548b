package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/tools"
)

//go:embed template/persona_preamble.txt
var personaPreamble string

// Defaults for persona fields the profile store left empty.
const (
	DefaultName      = "a top secret agent"
	DefaultCodename  = "CLASSIFIED"
	DefaultBiography = "No additional information available"
	DefaultSpecialty = "covert operations"
)

// Renderer builds persona preambles through the eino prompt component so
// prompt callbacks observe every render.
type Renderer struct {
	tpl     prompt.ChatTemplate
	handler einocb.Handler
}

func NewRenderer(handler einocb.Handler) *Renderer {
	return &Renderer{
		tpl: prompt.FromMessages(
			schema.GoTemplate,
			schema.SystemMessage(personaPreamble),
		),
		handler: handler,
	}
}

// RenderPreamble renders the fixed system instruction for persona.
func (r *Renderer) RenderPreamble(ctx context.Context, persona model.Persona) (string, error) {
	if r.handler != nil {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      "PersonaPreamble",
			Type:      "GoTemplate",
			Component: components.ComponentOfPrompt,
		}, r.handler)
	}

	vars := map[string]any{
		"Name":        orDefault(persona.Name, DefaultName),
		"Codename":    orDefault(persona.Codename, DefaultCodename),
		"Biography":   orDefault(persona.Biography, DefaultBiography),
		"Specialty":   orDefault(persona.Specialty, DefaultSpecialty),
		"MissionTool": tools.ToolGetMissionContext,
	}
	msgs, err := r.tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("persona preamble render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("persona preamble render: empty result")
	}
	return strings.TrimSpace(msgs[0].Content), nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
