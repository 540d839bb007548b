package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spy-chat-core/server/internal/agent/gateway"
	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/progress"
	errx "github.com/spy-chat-core/server/internal/core/error"
)

const (
	sys  = model.RoleSystem
	usr  = model.RoleUser
	asst = model.RoleAssistant
	tool = model.RoleTool
)

func TestRunTurnDirectAnswer(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		return text("Good evening."), nil
	})

	res, err := h.run(t, "c1", "Hello", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.Reason != model.TerminationCompleted || res.FinalText != "Good evening." || res.Rounds != 1 {
		t.Errorf("RunTurn() = %+v, want completed with final text after 1 round", res)
	}
	if len(res.Trace) != 0 {
		t.Errorf("Trace has %d entries, want 0", len(res.Trace))
	}

	msgs := h.load(t, "c1")
	if !equalRoles(msgs, sys, usr, asst) {
		t.Fatalf("stored roles = %v, want system user assistant", roles(msgs))
	}
	if msgs[0].Content != "You are Nightshade." {
		t.Errorf("preamble = %q", msgs[0].Content)
	}

	req := h.gateway.request(0)
	if req.preamble != "You are Nightshade." {
		t.Errorf("gateway preamble = %q", req.preamble)
	}
	if len(req.msgs) != 1 || req.msgs[0].Content != "Hello" {
		t.Errorf("gateway messages = %+v, want only the user message", req.msgs)
	}
	if len(req.catalog) != 1 || req.catalog[0].Name != "get_mission_context" {
		t.Errorf("gateway catalog = %+v", req.catalog)
	}
}

func TestRunTurnMissingMission(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, req request) (*gateway.Response, error) {
		if call == 1 {
			return missionCall("call_a", "paris"), nil
		}
		last := req.msgs[len(req.msgs)-1]
		if last.Role != tool || last.Content != "error: not found" {
			return nil, fmt.Errorf("unexpected context %+v", last)
		}
		return text("I have no record of Paris."), nil
	})

	res, err := h.run(t, "c1", "status of mission paris", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.Reason != model.TerminationCompleted || res.FinalText != "I have no record of Paris." {
		t.Errorf("RunTurn() = %+v", res)
	}
	if len(res.Trace) != 1 {
		t.Fatalf("Trace has %d entries, want 1", len(res.Trace))
	}
	entry := res.Trace[0]
	if entry.Invocation.ID != "call_a" || entry.Result.Status != model.ToolStatusError || entry.Result.Payload != "not found" {
		t.Errorf("trace entry = %+v", entry)
	}

	msgs := h.load(t, "c1")
	if !equalRoles(msgs, sys, usr, asst, tool, asst) {
		t.Fatalf("stored roles = %v", roles(msgs))
	}
	if msgs[3].ToolCallID != "call_a" || msgs[2].ToolCalls[0].ID != "call_a" {
		t.Errorf("tool result not linked to its invocation: %+v / %+v", msgs[2], msgs[3])
	}
}

func TestRunTurnMissionFound(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, req request) (*gateway.Response, error) {
		if call == 1 {
			return missionCall("", "op-nightfall"), nil
		}
		return text(req.msgs[len(req.msgs)-1].Content), nil
	})

	res, err := h.run(t, "c1", "brief me on op-nightfall", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.FinalText != "Disable the relay at midnight." {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if !res.Trace[0].Result.OK() || res.Trace[0].Invocation.ID != "call_1" {
		t.Errorf("trace entry = %+v, want success with synthesized id call_1", res.Trace[0])
	}
}

func TestRunTurnRoundLimit(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		return missionCall(fmt.Sprintf("id_%d", call), "op-nightfall"), nil
	})

	res, err := h.run(t, "c1", "keep digging", 3)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.Reason != model.TerminationRoundLimit {
		t.Errorf("Reason = %s, want round-limit", res.Reason)
	}
	if h.gateway.calls() != 3 {
		t.Errorf("gateway calls = %d, want 3", h.gateway.calls())
	}
	if len(res.Trace) != 3 || res.Rounds != 3 {
		t.Errorf("Trace = %d entries, Rounds = %d; want 3 and 3", len(res.Trace), res.Rounds)
	}
	if res.FinalText != UnableToCompleteText {
		t.Errorf("FinalText = %q, want the unable-to-complete text", res.FinalText)
	}

	msgs := h.load(t, "c1")
	if last := msgs[len(msgs)-1]; last.Role != asst || last.Content != UnableToCompleteText {
		t.Errorf("last stored message = %+v, want the degraded assistant answer", last)
	}
}

func TestRunTurnRoundLimitKeepsVisibleText(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		resp := missionCall(fmt.Sprintf("id_%d", call), "op-nightfall")
		if call == 1 {
			resp.Text = "Let me check the archive."
		}
		return resp, nil
	})

	res, err := h.run(t, "c1", "keep digging", 2)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.Reason != model.TerminationRoundLimit || res.FinalText != "Let me check the archive." {
		t.Errorf("RunTurn() = %+v, want round-limit with the last visible text", res)
	}
}

func TestRunTurnTextWithInvocationsIsNotFinal(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		if call == 1 {
			resp := missionCall("call_x", "op-nightfall")
			resp.Text = "premature answer"
			return resp, nil
		}
		return text("final answer"), nil
	})

	res, err := h.run(t, "c1", "brief me", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.FinalText != "final answer" || h.gateway.calls() != 2 {
		t.Errorf("FinalText = %q after %d calls, want final answer after 2", res.FinalText, h.gateway.calls())
	}
}

func TestRunTurnPersistFailureLeavesHistory(t *testing.T) {
	store := &flakyStore{MemoryStore: conversationsMemory(), failAppends: 100, err: errDiskFull}
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		return text("noted"), nil
	}, withStore(store))

	seed := []model.Message{model.SystemMessage("You are Nightshade.", time.Now()), model.UserMessage("earlier", time.Now())}
	if err := store.MemoryStore.Append(context.Background(), "c1", seed); err != nil {
		t.Fatalf("seed Append(): %v", err)
	}

	res, err := h.run(t, "c1", "remember this", 0)
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("RunTurn() error = %v, want disk full", err)
	}
	if res.Reason != model.TerminationError || res.FinalText != "" || res.Error == "" {
		t.Errorf("RunTurn() = %+v, want error result without text", res)
	}
	if store.appends != 2 {
		t.Errorf("Append attempts = %d, want 2 (one retry)", store.appends)
	}
	if msgs := h.load(t, "c1"); !equalRoles(msgs, sys, usr) {
		t.Errorf("history after failed turn = %v, want unchanged", roles(msgs))
	}
}

func TestRunTurnPersistRetrySucceeds(t *testing.T) {
	store := &flakyStore{MemoryStore: conversationsMemory(), failAppends: 1, err: errDiskFull}
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		return text("noted"), nil
	}, withStore(store))

	res, err := h.run(t, "c1", "remember this", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.Reason != model.TerminationCompleted {
		t.Errorf("Reason = %s, want completed", res.Reason)
	}
	if msgs := h.load(t, "c1"); !equalRoles(msgs, sys, usr, asst) {
		t.Errorf("stored roles = %v", roles(msgs))
	}
}

func TestRunTurnGatewayRetry(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		if call == 1 {
			return nil, errx.WrapGateway(errors.New("connection reset"))
		}
		return text("back online"), nil
	})

	res, err := h.run(t, "c1", "hello?", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.FinalText != "back online" || res.Rounds != 2 {
		t.Errorf("RunTurn() = %+v, want success in round 2", res)
	}
}

func TestRunTurnGatewayFailsTwice(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		return nil, errx.WrapGateway(errors.New("connection refused"))
	})

	res, err := h.run(t, "c1", "hello?", 0)
	if !errors.Is(err, errx.ErrGateway) {
		t.Fatalf("RunTurn() error = %v, want gateway error", err)
	}
	if h.gateway.calls() != 2 {
		t.Errorf("gateway calls = %d, want 2", h.gateway.calls())
	}
	if res.Reason != model.TerminationError || res.Error != errx.GatewayErrorMessage {
		t.Errorf("RunTurn() = %+v", res)
	}
	if msgs := h.load(t, "c1"); len(msgs) != 0 {
		t.Errorf("failed turn persisted %d messages", len(msgs))
	}
}

func TestRunTurnRoundTimeout(t *testing.T) {
	slowFirst := func(ctx context.Context, call int, _ request) (*gateway.Response, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return text("sorry for the delay"), nil
	}
	timeouts := withConfig(func(c *model.ConversationConfig) { c.RoundTimeout = 20 * time.Millisecond })

	t.Run("consumes a round", func(t *testing.T) {
		h := newHarness(t, slowFirst, timeouts)
		res, err := h.run(t, "c1", "hello", 3)
		if err != nil {
			t.Fatalf("RunTurn() error: %v", err)
		}
		if res.Rounds != 2 || res.FinalText != "sorry for the delay" {
			t.Errorf("RunTurn() = %+v, want success in round 2", res)
		}
	})

	t.Run("final round fails the turn", func(t *testing.T) {
		h := newHarness(t, slowFirst, timeouts)
		res, err := h.run(t, "c1", "hello", 1)
		if err == nil {
			t.Fatal("RunTurn() error = nil, want timeout")
		}
		if res.Reason != model.TerminationError || res.Error != "model gateway timed out" {
			t.Errorf("RunTurn() = %+v", res)
		}
		if msgs := h.load(t, "c1"); len(msgs) != 0 {
			t.Errorf("failed turn persisted %d messages", len(msgs))
		}
	})
}

func TestRunTurnDuplicateInvocationIDs(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		return &gateway.Response{Invocations: []model.ToolInvocation{
			{ID: "dup", Name: "get_mission_context", Arguments: map[string]any{"mission_id": "a"}},
			{ID: "dup", Name: "get_mission_context", Arguments: map[string]any{"mission_id": "b"}},
		}}, nil
	})

	res, err := h.run(t, "c1", "two at once", 0)
	if !errors.Is(err, errx.ErrDuplicateInvocation) {
		t.Fatalf("RunTurn() error = %v, want ErrDuplicateInvocation", err)
	}
	if h.gateway.calls() != 1 {
		t.Errorf("gateway calls = %d, want 1 (no retry)", h.gateway.calls())
	}
	if res.Reason != model.TerminationError || !strings.Contains(res.Error, "duplicate") {
		t.Errorf("RunTurn() = %+v", res)
	}
	if msgs := h.load(t, "c1"); len(msgs) != 0 {
		t.Errorf("failed turn persisted %d messages", len(msgs))
	}
}

func TestRunTurnSynthesizedIDsContinueAcrossRounds(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		switch call {
		case 1:
			return &gateway.Response{Invocations: []model.ToolInvocation{
				{Name: "get_mission_context", Arguments: map[string]any{"mission_id": "a"}},
				{Name: "get_mission_context", Arguments: map[string]any{"mission_id": "b"}},
			}}, nil
		case 2:
			return missionCall("", "c"), nil
		}
		return text("done"), nil
	})

	res, err := h.run(t, "c1", "check a, b and c", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	var ids []string
	for _, e := range res.Trace {
		ids = append(ids, e.Invocation.ID)
	}
	if strings.Join(ids, ",") != "call_1,call_2,call_3" {
		t.Errorf("invocation ids = %v, want call_1..call_3", ids)
	}
}

func TestRunTurnSynthesizedIDsRepeatAcrossTurns(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		if call%2 == 1 {
			return missionCall("", "op-nightfall"), nil
		}
		return text("done"), nil
	})

	for i := 0; i < 2; i++ {
		res, err := h.run(t, "c1", "brief me", 0)
		if err != nil {
			t.Fatalf("RunTurn(%d) error: %v", i, err)
		}
		if len(res.Trace) != 1 || res.Trace[0].Invocation.ID != "call_1" {
			t.Errorf("RunTurn(%d) trace = %+v, want one call_1", i, res.Trace)
		}
	}
	if msgs := h.load(t, "c1"); len(msgs) != 9 {
		t.Errorf("stored %d messages (%v), want preamble plus two tool turns", len(msgs), roles(msgs))
	}
}

func TestRunTurnCancelled(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ int, _ request) (*gateway.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sub := h.notifier.Subscribe("c1")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := h.orch.RunTurn(ctx, model.TurnInput{ConversationID: "c1", Persona: testPersona, Message: "hello"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunTurn() error = %v, want context.Canceled", err)
	}
	if res.Reason != model.TerminationError || res.Error != progress.ReasonCancelled {
		t.Errorf("RunTurn() = %+v", res)
	}
	if msgs := h.load(t, "c1"); len(msgs) != 0 {
		t.Errorf("cancelled turn persisted %d messages", len(msgs))
	}

	events := drainEvents(sub)
	last := events[len(events)-1]
	if last.Kind != progress.KindTurnError || last.Data["reason"] != progress.ReasonCancelled {
		t.Errorf("last event = %+v, want turn-error cancelled", last)
	}
}

func TestRunTurnProgressEvents(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		if call == 1 {
			return missionCall("call_a", "op-nightfall"), nil
		}
		return text("done"), nil
	})
	sub := h.notifier.Subscribe("c1")
	defer sub.Close()

	res, err := h.run(t, "c1", "brief me", 0)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}

	var kinds []string
	for _, e := range drainEvents(sub) {
		kinds = append(kinds, e.Kind)
		if e.TurnID == "" || e.TurnID != res.TurnID {
			t.Errorf("%s event turn id = %q, want %q", e.Kind, e.TurnID, res.TurnID)
		}
	}
	want := []string{
		progress.KindGenerating,
		progress.KindInvokingTool,
		progress.KindToolResult,
		progress.KindGenerating,
		progress.KindTurnComplete,
	}
	if strings.Join(kinds, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestRunTurnQueuedFailuresKeepTheirOwnTurnID(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, call int, _ request) (*gateway.Response, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return text("done"), nil
	})
	sub := h.notifier.Subscribe("c1")
	defer sub.Close()

	type outcome struct {
		res model.TurnResult
		err error
	}
	running := make(chan outcome, 1)
	go func() {
		res, err := h.orch.RunTurn(context.Background(), model.TurnInput{
			ConversationID: "c1", TurnID: "turn-a", Persona: testPersona, Message: "first",
		})
		running <- outcome{res, err}
	}()
	<-started

	queued, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.orch.RunTurn(queued, model.TurnInput{
		ConversationID: "c1", TurnID: "turn-b", Persona: testPersona, Message: "second",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued RunTurn() error = %v, want context.DeadlineExceeded", err)
	}
	_, err = h.orch.RunTurn(context.Background(), model.TurnInput{
		ConversationID: "c1", TurnID: "turn-c", Persona: testPersona, Message: "",
	})
	if !errors.Is(err, errx.ErrInvalidInput) {
		t.Fatalf("empty RunTurn() error = %v, want ErrInvalidInput", err)
	}

	close(release)
	out := <-running
	if out.err != nil || out.res.TurnID != "turn-a" {
		t.Fatalf("running RunTurn() = %+v, %v", out.res, out.err)
	}

	byTurn := make(map[string][]string)
	for _, e := range drainEvents(sub) {
		byTurn[e.TurnID] = append(byTurn[e.TurnID], e.Kind)
	}
	want := map[string]string{
		"turn-a": progress.KindGenerating + " " + progress.KindTurnComplete,
		"turn-b": progress.KindTurnError,
		"turn-c": progress.KindTurnError,
	}
	if len(byTurn) != len(want) {
		t.Errorf("events grouped by turn = %v, want turns %v", byTurn, want)
	}
	for id, kinds := range want {
		if got := strings.Join(byTurn[id], " "); got != kinds {
			t.Errorf("events for %s = %q, want %q", id, got, kinds)
		}
	}
	if msgs := h.load(t, "c1"); !equalRoles(msgs, sys, usr, asst) {
		t.Errorf("stored roles = %v, want only the running turn persisted", roles(msgs))
	}
}

func TestRunTurnInvalidInput(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		return text("unused"), nil
	})
	sub := h.notifier.Subscribe("c1")
	defer sub.Close()

	res, err := h.run(t, "c1", "   ", 0)
	if !errors.Is(err, errx.ErrInvalidInput) {
		t.Fatalf("RunTurn() error = %v, want ErrInvalidInput", err)
	}
	if res.Reason != model.TerminationError || h.gateway.calls() != 0 {
		t.Errorf("RunTurn() = %+v after %d gateway calls", res, h.gateway.calls())
	}
	events := drainEvents(sub)
	if len(events) != 1 || events[0].Kind != progress.KindTurnError {
		t.Errorf("events = %+v, want a single turn-error", events)
	}
}

func TestRunTurnExistingHistoryWithoutPreamble(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		return text("welcome back"), nil
	})
	seed := []model.Message{model.UserMessage("hi", time.Now()), model.AssistantMessage("hello", nil, time.Now())}
	if err := h.store.Append(context.Background(), "c1", seed); err != nil {
		t.Fatalf("seed Append(): %v", err)
	}

	if _, err := h.run(t, "c1", "again", 0); err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if got := h.gateway.request(0).preamble; got != "You are Nightshade." {
		t.Errorf("gateway preamble = %q, want the rendered persona preamble", got)
	}
	msgs := h.load(t, "c1")
	if !equalRoles(msgs, usr, asst, usr, asst) {
		t.Errorf("stored roles = %v, want no preamble inserted into existing history", roles(msgs))
	}
}

func TestRunTurnSameConversationDoesNotInterleave(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, req request) (*gateway.Response, error) {
		time.Sleep(5 * time.Millisecond)
		return text("ack " + req.msgs[len(req.msgs)-1].Content), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.run(t, "c1", fmt.Sprintf("msg %d", i), 0); err != nil {
				t.Errorf("RunTurn(%d) error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	msgs := h.load(t, "c1")
	if len(msgs) != 9 || msgs[0].Role != sys {
		t.Fatalf("stored %d messages (%v), want preamble plus 4 turns", len(msgs), roles(msgs))
	}
	for i := 1; i < len(msgs); i += 2 {
		user, reply := msgs[i], msgs[i+1]
		if user.Role != usr || reply.Role != asst || reply.Content != "ack "+user.Content {
			t.Errorf("turn at %d interleaved: %q then %q", i, user.Content, reply.Content)
		}
	}
}

func TestRunTurnDifferentConversationsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	var inFlight sync.WaitGroup
	inFlight.Add(2)
	h := newHarness(t, func(_ context.Context, _ int, _ request) (*gateway.Response, error) {
		inFlight.Done()
		<-release
		return text("ok"), nil
	})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := h.run(t, id, "hello", 0); err != nil {
				t.Errorf("RunTurn(%s) error: %v", id, err)
			}
		}(id)
	}

	both := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(both)
	}()
	select {
	case <-both:
	case <-time.After(2 * time.Second):
		t.Fatal("turns on different conversations did not run concurrently")
	}
	close(release)
	wg.Wait()
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New(Deps{}) error = nil, want missing dependency error")
	}
}
