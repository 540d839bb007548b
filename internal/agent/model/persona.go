package model

import "context"

// Persona is the read-only profile a conversation's preamble is built from.
type Persona struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Codename  string `json:"codename" yaml:"codename"`
	Biography string `json:"biography" yaml:"biography"`
	Specialty string `json:"specialty" yaml:"specialty"`
}

// PersonaStore is the read-only profile collaborator.
type PersonaStore interface {
	// GetPersona returns errx.ErrPersonaNotFound for unknown ids.
	GetPersona(ctx context.Context, id string) (*Persona, error)
	ListPersonas(ctx context.Context) ([]Persona, error)
}

// MissionStore is the read-only mission text collaborator. Lookups are by
// exact key only.
type MissionStore interface {
	// GetText returns ErrMissionNotFound when no text exists for missionID.
	GetText(ctx context.Context, missionID string) (string, error)
}
