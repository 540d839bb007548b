package tools

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// Tool is a callable the model may invoke by name. The returned value becomes
// the success payload; a returned error becomes an error result.
type Tool interface {
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunc adapts a plain function to Tool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

func (f ToolFunc) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Spec is the outward description of a registered tool. It never carries the
// function itself.
type Spec struct {
	Name        string
	Description string
	Params      map[string]*schema.ParameterInfo
}

// ToolInfo converts the spec to the eino representation bound to chat models.
func (s Spec) ToolInfo() *schema.ToolInfo {
	info := &schema.ToolInfo{
		Name: s.Name,
		Desc: s.Description,
	}
	if len(s.Params) > 0 {
		info.ParamsOneOf = schema.NewParamsOneOfByParams(s.Params)
	}
	return info
}

// ToolInfos converts a catalog for model.WithTools.
func ToolInfos(catalog []Spec) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(catalog))
	for _, s := range catalog {
		infos = append(infos, s.ToolInfo())
	}
	return infos
}
