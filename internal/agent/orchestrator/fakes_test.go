package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spy-chat-core/server/internal/agent/conversations"
	"github.com/spy-chat-core/server/internal/agent/gateway"
	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/progress"
	"github.com/spy-chat-core/server/internal/agent/tools"
)

var testPersona = model.Persona{ID: "nightshade", Name: "Nightshade", Codename: "NS-7"}

// request is what the fake gateway saw in one call.
type request struct {
	preamble string
	msgs     []model.Message
	catalog  []tools.Spec
}

type replyFunc func(ctx context.Context, call int, req request) (*gateway.Response, error)

// fakeGateway answers each Generate call through reply and records requests.
type fakeGateway struct {
	reply replyFunc

	mu       sync.Mutex
	requests []request
}

func (g *fakeGateway) Generate(ctx context.Context, preamble string, msgs []model.Message, catalog []tools.Spec) (*gateway.Response, error) {
	req := request{preamble: preamble, msgs: append([]model.Message(nil), msgs...), catalog: catalog}
	g.mu.Lock()
	g.requests = append(g.requests, req)
	call := len(g.requests)
	g.mu.Unlock()
	return g.reply(ctx, call, req)
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) request(i int) request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

func text(s string) *gateway.Response {
	return &gateway.Response{Text: s}
}

func missionCall(id, missionID string) *gateway.Response {
	return &gateway.Response{Invocations: []model.ToolInvocation{{
		ID:        id,
		Name:      tools.ToolGetMissionContext,
		Arguments: map[string]any{"mission_id": missionID},
	}}}
}

type staticPreamble struct{}

func (staticPreamble) RenderPreamble(_ context.Context, p model.Persona) (string, error) {
	return "You are " + p.Name + ".", nil
}

// flakyStore fails the first failAppends calls to Append.
type flakyStore struct {
	*conversations.MemoryStore

	mu          sync.Mutex
	failAppends int
	appends     int
	err         error
}

func (s *flakyStore) Append(ctx context.Context, id string, batch []model.Message) error {
	s.mu.Lock()
	s.appends++
	fail := s.appends <= s.failAppends
	s.mu.Unlock()
	if fail {
		return s.err
	}
	return s.MemoryStore.Append(ctx, id, batch)
}

var errDiskFull = errors.New("disk full")

type harness struct {
	orch     *Orchestrator
	gateway  *fakeGateway
	store    model.ConversationStore
	notifier *progress.Notifier
}

type harnessOption func(*Deps)

func withStore(s model.ConversationStore) harnessOption {
	return func(d *Deps) { d.Store = s }
}

func withConfig(fn func(*model.ConversationConfig)) harnessOption {
	return func(d *Deps) { fn(&d.Config) }
}

func newHarness(t *testing.T, reply replyFunc, opts ...harnessOption) *harness {
	t.Helper()

	registry := tools.NewRegistry()
	missions := tools.MapMissionStore{"op-nightfall": "Disable the relay at midnight."}
	if err := tools.RegisterMissionContext(registry, missions); err != nil {
		t.Fatalf("RegisterMissionContext(): %v", err)
	}

	gw := &fakeGateway{reply: reply}
	deps := Deps{
		Store:     conversations.NewMemoryStore(),
		Gateway:   gw,
		Executor:  tools.NewExecutor(registry, time.Second),
		Preambles: staticPreamble{},
		Notifier:  progress.NewNotifier(64),
		Config: model.ConversationConfig{
			Window:    40,
			MaxRounds: 5,
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	orch, err := New(deps)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return &harness{orch: orch, gateway: gw, store: deps.Store, notifier: deps.Notifier}
}

func (h *harness) run(t *testing.T, id, message string, maxRounds int) (model.TurnResult, error) {
	t.Helper()
	return h.orch.RunTurn(context.Background(), model.TurnInput{
		ConversationID: id,
		Persona:        testPersona,
		Message:        message,
		MaxRounds:      maxRounds,
	})
}

func (h *harness) load(t *testing.T, id string) []model.Message {
	t.Helper()
	msgs, err := h.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%s): %v", id, err)
	}
	return msgs
}

func roles(msgs []model.Message) []model.Role {
	out := make([]model.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func equalRoles(got []model.Message, want ...model.Role) bool {
	r := roles(got)
	if len(r) != len(want) {
		return false
	}
	for i := range r {
		if r[i] != want[i] {
			return false
		}
	}
	return true
}

func drainEvents(sub *progress.Subscription) []progress.Event {
	var out []progress.Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func conversationsMemory() *conversations.MemoryStore {
	return conversations.NewMemoryStore()
}
