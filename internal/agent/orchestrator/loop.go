package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spy-chat-core/server/internal/agent/conversations"
	"github.com/spy-chat-core/server/internal/agent/gateway"
	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/progress"
	"github.com/spy-chat-core/server/internal/agent/tools"
	errx "github.com/spy-chat-core/server/internal/core/error"
	"github.com/spy-chat-core/server/internal/telemetry"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// persistTimeout bounds the final append once a turn has committed to saving.
const persistTimeout = 10 * time.Second

// PreambleRenderer builds the system instruction for a persona.
type PreambleRenderer interface {
	RenderPreamble(ctx context.Context, persona model.Persona) (string, error)
}

// ToolExecutor runs one invocation and never fails; failures are results.
type ToolExecutor interface {
	Catalog() []tools.Spec
	Execute(ctx context.Context, inv model.ToolInvocation) model.ToolResult
}

// Deps are the collaborators of the turn loop.
type Deps struct {
	Store     model.ConversationStore
	Gateway   gateway.Gateway
	Executor  ToolExecutor
	Preambles PreambleRenderer
	Notifier  *progress.Notifier
	Config    model.ConversationConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator executes user turns. Turns on one conversation id run strictly
// one after another; different ids run in parallel.
type Orchestrator struct {
	store     model.ConversationStore
	gateway   gateway.Gateway
	executor  ToolExecutor
	preambles PreambleRenderer
	notifier  *progress.Notifier
	requests  *conversations.MessagesManager
	locks     *conversations.KeyedMutex
	cfg       model.ConversationConfig
	now       func() time.Time
	tracer    trace.Tracer
}

func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("conversation store is nil")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("model gateway is nil")
	case deps.Executor == nil:
		return nil, fmt.Errorf("tool executor is nil")
	case deps.Preambles == nil:
		return nil, fmt.Errorf("preamble renderer is nil")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:     deps.Store,
		gateway:   deps.Gateway,
		executor:  deps.Executor,
		preambles: deps.Preambles,
		notifier:  deps.Notifier,
		requests:  conversations.NewMessagesManager(deps.Config),
		locks:     conversations.NewKeyedMutex(),
		cfg:       deps.Config,
		now:       now,
		tracer:    telemetry.Tracer(),
	}, nil
}

// Notifier exposes the progress hub for subscription by transports.
func (o *Orchestrator) Notifier() *progress.Notifier {
	return o.notifier
}

// Store exposes the conversation store for history reads.
func (o *Orchestrator) Store() model.ConversationStore {
	return o.store
}

// turn is the transient working copy of one RunTurn call.
type turn struct {
	id       string
	turnID   string
	history  []model.Message // persisted before the turn
	pending  []model.Message // appended by this turn, persisted as one batch
	preamble string
	seq      int
	// lastVisible is the latest non-empty assistant text seen in a tool round.
	lastVisible string
	log         zerolog.Logger
}

func (t *turn) working() []model.Message {
	out := make([]model.Message, 0, len(t.history)+len(t.pending))
	out = append(out, t.history...)
	return append(out, t.pending...)
}

// RunTurn executes one user turn. The result is always populated; err is
// non-nil exactly when Reason is error, and then nothing was persisted.
func (o *Orchestrator) RunTurn(ctx context.Context, in model.TurnInput) (res model.TurnResult, err error) {
	turnID := in.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	res = model.TurnResult{ConversationID: in.ConversationID, TurnID: turnID, Trace: []model.TraceEntry{}}

	if strings.TrimSpace(in.ConversationID) == "" {
		return o.invalid(res, "conversation id is required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return o.invalid(res, "message must not be empty")
	}
	maxRounds := normalizeMaxRounds(in.MaxRounds, o.cfg.MaxRounds)

	ctx, span := o.tracer.Start(ctx, "orchestrator.RunTurn", trace.WithAttributes(
		attribute.String("conversation.id", in.ConversationID),
		attribute.String("turn.id", turnID),
		attribute.Int("turn.max_rounds", maxRounds),
	))
	defer span.End()

	t := &turn{
		id:     in.ConversationID,
		turnID: turnID,
		log:    logx.Conversation(in.ConversationID).With().Str("turn_id", turnID).Logger(),
	}

	// the terminal event is always the last one published for this turn id,
	// including turns that never acquired the conversation lock
	defer func() {
		span.SetAttributes(
			attribute.String("turn.termination_reason", string(res.Reason)),
			attribute.Int("turn.rounds", res.Rounds),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, res.Error)
			reason := res.Error
			if isCancellation(ctx, err) {
				reason = progress.ReasonCancelled
			}
			o.emit(t, progress.TurnError(reason))
			t.log.Warn().Err(err).Str("termination_reason", string(res.Reason)).Int("rounds", res.Rounds).Msg("Turn failed")
			return
		}
		o.emit(t, progress.TurnComplete(string(res.Reason)))
		t.log.Info().Str("termination_reason", string(res.Reason)).Int("rounds", res.Rounds).Int("tool_calls", len(res.Trace)).Msg("Turn finished")
	}()

	unlock, err := o.locks.Lock(ctx, t.id)
	if err != nil {
		return fail(res, err)
	}
	defer unlock()

	if err := o.begin(ctx, t, in); err != nil {
		return fail(res, err)
	}

	consecutiveFailures := 0
	for round := 1; round <= maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return fail(res, err)
		}
		res.Rounds = round
		o.emit(t, progress.Generating(round))

		resp, err := o.generate(ctx, t, round)
		if err != nil {
			if isCancellation(ctx, err) {
				return fail(res, err)
			}
			if round == maxRounds {
				return fail(res, err)
			}
			if errors.Is(err, errRoundTimeout) {
				// a timed out round only consumes its budget
				t.log.Warn().Int("round", round).Msg("Model round timed out")
				continue
			}
			consecutiveFailures++
			if consecutiveFailures > 1 {
				return fail(res, err)
			}
			t.log.Warn().Err(err).Int("round", round).Msg("Model round failed; retrying once")
			if err := sleepCtx(ctx, o.cfg.RetryBackoff); err != nil {
				return fail(res, err)
			}
			continue
		}
		consecutiveFailures = 0

		invs, err := assignInvocationIDs(resp.Invocations, &t.seq)
		if err != nil {
			return fail(res, err)
		}

		if len(invs) == 0 {
			t.pending = append(t.pending, model.AssistantMessage(resp.Text, nil, o.now()))
			res.FinalText = resp.Text
			res.Reason = model.TerminationCompleted
			break
		}

		// Invocations take precedence; text from this round stays in history only.
		if strings.TrimSpace(resp.Text) != "" {
			t.lastVisible = resp.Text
		}
		t.pending = append(t.pending, model.AssistantMessage(resp.Text, invs, o.now()))
		if err := o.runTools(ctx, t, round, invs, &res); err != nil {
			return fail(res, err)
		}
	}

	if res.Reason == "" {
		text := t.lastVisible
		if text == "" {
			text = UnableToCompleteText
		}
		t.pending = append(t.pending, model.AssistantMessage(text, nil, o.now()))
		res.FinalText = text
		res.Reason = model.TerminationRoundLimit
	}

	if err := o.persist(ctx, t); err != nil {
		res.FinalText = ""
		return fail(res, err)
	}
	return res, nil
}

// begin loads history and seeds the working copy with the preamble and the
// user message.
func (o *Orchestrator) begin(ctx context.Context, t *turn, in model.TurnInput) error {
	history, err := o.store.Load(ctx, t.id)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	t.history = history

	if conversations.HasPreamble(history) {
		t.preamble = history[0].Content
	} else {
		preamble, err := o.preambles.RenderPreamble(ctx, in.Persona)
		if err != nil {
			return fmt.Errorf("render preamble: %w", err)
		}
		t.preamble = preamble
		// only a new conversation can take a preamble; otherwise it is request-only
		if len(history) == 0 {
			t.pending = append(t.pending, model.SystemMessage(preamble, o.now()))
		}
	}

	t.pending = append(t.pending, model.UserMessage(in.Message, o.now()))
	t.log.Debug().Int("history", len(history)).Msg("Turn started")
	return nil
}

var errRoundTimeout = errors.New("model round timed out")

// generate performs one gateway call under the per-round timeout.
func (o *Orchestrator) generate(ctx context.Context, t *turn, round int) (*gateway.Response, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.round", trace.WithAttributes(
		attribute.Int("round", round),
	))
	defer span.End()

	roundCtx := ctx
	if o.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, o.cfg.RoundTimeout)
		defer cancel()
	}

	preamble, msgs := o.requests.BuildRequest(t.working(), t.preamble)
	resp, err := o.gateway.Generate(roundCtx, preamble, msgs, o.executor.Catalog())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway error")
		if ctx.Err() == nil && errors.Is(roundCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", errRoundTimeout, o.cfg.RoundTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		resp = &gateway.Response{}
	}
	span.SetAttributes(attribute.Int("tool_calls", len(resp.Invocations)))
	return resp, nil
}

// runTools executes the round's invocations in order and records each result.
func (o *Orchestrator) runTools(ctx context.Context, t *turn, round int, invs []model.ToolInvocation, res *model.TurnResult) error {
	for _, inv := range invs {
		o.emit(t, progress.InvokingTool(inv.Name, inv.ID))

		result := o.executor.Execute(ctx, inv)
		if err := ctx.Err(); err != nil {
			return err
		}
		result.InvocationID = inv.ID

		o.emit(t, progress.ToolResult(inv.Name, string(result.Status)))
		t.pending = append(t.pending, model.ToolResultMessage(inv.Name, result, o.now()))
		res.Trace = append(res.Trace, model.TraceEntry{Invocation: inv, Result: result})

		t.log.Debug().
			Int("round", round).
			Str("tool_name", inv.Name).
			Str("tool_call_id", inv.ID).
			Str("status", string(result.Status)).
			Msg("Tool invocation recorded")
	}
	return nil
}

// persist appends the turn as one batch. A cancelled turn is dropped before
// the write; once the write starts it is allowed to finish. A transient
// failure is retried once.
func (o *Orchestrator) persist(ctx context.Context, t *turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := o.store.Append(writeCtx, t.id, t.pending)
	if err == nil || errx.IsContractViolation(err) {
		return err
	}
	t.log.Warn().Err(err).Msg("Persisting turn failed; retrying once")
	if err := sleepCtx(writeCtx, o.cfg.RetryBackoff); err != nil {
		return err
	}
	return o.store.Append(writeCtx, t.id, t.pending)
}

func (o *Orchestrator) emit(t *turn, e progress.Event) {
	o.notifier.Publish(t.id, e.ForTurn(t.turnID))
}

func (o *Orchestrator) invalid(res model.TurnResult, msg string) (model.TurnResult, error) {
	err := errx.Invalid("%s", msg)
	res.Reason = model.TerminationError
	res.Error = msg
	o.notifier.Publish(res.ConversationID, progress.TurnError(msg).ForTurn(res.TurnID))
	return res, err
}

// fail marks res as an error result with a client-safe description.
func fail(res model.TurnResult, err error) (model.TurnResult, error) {
	res.Reason = model.TerminationError
	res.FinalText = ""
	switch {
	case errors.Is(err, context.Canceled):
		res.Error = progress.ReasonCancelled
	case errors.Is(err, errRoundTimeout):
		res.Error = "model gateway timed out"
	case errors.Is(err, context.DeadlineExceeded):
		res.Error = "turn deadline exceeded"
	case errx.IsContractViolation(err):
		res.Error = err.Error()
	default:
		res.Error = errx.SafeMessage(err)
	}
	return res, err
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
