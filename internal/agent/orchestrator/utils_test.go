package orchestrator

import (
	"errors"
	"testing"

	"github.com/spy-chat-core/server/internal/agent/model"
	errx "github.com/spy-chat-core/server/internal/core/error"
)

func TestNormalizeMaxRounds(t *testing.T) {
	tests := []struct {
		requested, configured, want int
	}{
		{requested: 3, configured: 5, want: 3},
		{requested: 0, configured: 7, want: 7},
		{requested: -1, configured: 0, want: DefaultMaxRounds},
	}
	for _, tt := range tests {
		if got := normalizeMaxRounds(tt.requested, tt.configured); got != tt.want {
			t.Errorf("normalizeMaxRounds(%d, %d) = %d, want %d", tt.requested, tt.configured, got, tt.want)
		}
	}
}

func TestAssignInvocationIDs(t *testing.T) {
	seq := 0
	in := []model.ToolInvocation{{Name: "a"}, {ID: "call_1", Name: "b"}, {ID: " ", Name: "c"}}

	out, err := assignInvocationIDs(in, &seq)
	if err != nil {
		t.Fatalf("assignInvocationIDs() error: %v", err)
	}
	want := []string{"call_2", "call_1", "call_3"}
	for i, id := range want {
		if out[i].ID != id {
			t.Errorf("out[%d].ID = %q, want %q", i, out[i].ID, id)
		}
	}
	if in[0].ID != "" {
		t.Error("input slice was modified")
	}

	_, err = assignInvocationIDs([]model.ToolInvocation{{ID: "x"}, {ID: "x"}}, &seq)
	if !errors.Is(err, errx.ErrDuplicateInvocation) {
		t.Errorf("assignInvocationIDs(duplicates) error = %v, want ErrDuplicateInvocation", err)
	}
}
