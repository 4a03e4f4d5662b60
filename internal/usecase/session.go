package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
	"unillm/internal/infra/tracer"
	"unillm/internal/usecase/fallback"
)

// defaultToolTimeout bounds one tool execution when none is configured.
const defaultToolTimeout = 30 * time.Second

// UsageEstimator fills in token usage for backends that never report it.
type UsageEstimator interface {
	EstimateUsage(messages []domain.Message, completion string) domain.Usage
}

// SessionDeps holds the collaborators of a Session.
type SessionDeps struct {
	LLM         domain.StreamingLLMProvider
	Tools       domain.ToolExecutor // nil disables tools
	Estimator   UsageEstimator      // optional
	Config      config.SessionConfig
	Model       string
	ToolTimeout time.Duration
	Logger      *slog.Logger
}

// Session is one conversation against a single provider. The tool mode is
// decided on first use and fixed for the rest of the session. Turns must not
// run concurrently.
type Session struct {
	id   string
	deps SessionDeps

	mu   sync.RWMutex
	msgs []domain.Message

	modeOnce sync.Once
	engine   *fallback.Engine
}

// NewSession creates a session seeded with the configured system prompt.
func NewSession(deps SessionDeps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = defaultToolTimeout
	}
	s := &Session{
		id:   generateULID(time.Now()),
		deps: deps,
	}
	if deps.Config.SystemPrompt != "" {
		s.msgs = append(s.msgs, domain.Message{
			Role:      domain.RoleSystem,
			Content:   deps.Config.SystemPrompt,
			Timestamp: time.Now(),
		})
	}
	return s
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ID returns the session's ULID.
func (s *Session) ID() string { return s.id }

// Messages returns a copy of the conversation history.
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.msgs))
	copy(cp, s.msgs)
	return cp
}

func (s *Session) addMessages(msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		s.msgs = append(s.msgs, m)
	}
}

// Mode returns the session's tool mode, probing the provider on first call.
func (s *Session) Mode(ctx context.Context) fallback.Mode {
	return s.toolEngine(ctx).Mode()
}

func (s *Session) schemas() []domain.ToolSchema {
	if s.deps.Tools == nil {
		return nil
	}
	return s.deps.Tools.Schemas()
}

func (s *Session) toolEngine(ctx context.Context) *fallback.Engine {
	s.modeOnce.Do(func() {
		schemas := s.schemas()
		mode := s.decideMode(ctx, len(schemas) > 0)
		s.engine = fallback.NewEngine(mode, schemas, s.deps.Logger)
		s.deps.Logger.Info("tool mode decided",
			"session", s.id,
			"provider", s.deps.LLM.Name(),
			"mode", mode.String(),
		)
	})
	return s.engine
}

func (s *Session) decideMode(ctx context.Context, haveTools bool) fallback.Mode {
	switch s.deps.Config.ToolMode {
	case config.ToolModeNative:
		return fallback.ModeNative
	case config.ToolModeFallback:
		return fallback.ModeFallback
	}
	if !haveTools {
		return fallback.ModeNative
	}
	prober, ok := s.deps.LLM.(domain.ToolSupportProber)
	if !ok {
		return fallback.ModeNative
	}

	if s.deps.Config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.Config.ProbeTimeout)
		defer cancel()
	}
	supported, err := prober.SupportsTools(ctx)
	if err != nil {
		s.deps.Logger.Warn("tool support probe failed, using fallback mode",
			"provider", s.deps.LLM.Name(),
			"error", err,
		)
		return fallback.ModeFallback
	}
	return fallback.ModeFor(supported)
}

// turn is one in-flight model call. result and err are set before events
// is closed.
type turn struct {
	events <-chan domain.StreamEvent
	result *domain.ChatResponse
	err    error
}

// ChatStream appends userMsg to the history and streams the model's reply.
// In fallback mode marker spans are removed from content events and the
// extracted calls arrive in a tool-calls event just before the terminal
// event. Tool calls are not executed; see HandleToolCalls and Run.
func (s *Session) ChatStream(ctx context.Context, userMsg string) (<-chan domain.StreamEvent, error) {
	s.addMessages(domain.Message{Role: domain.RoleUser, Content: userMsg})
	t, err := s.startTurn(ctx, 0)
	if err != nil {
		return nil, err
	}
	return t.events, nil
}

// Chat is ChatStream collected into a single response.
func (s *Session) Chat(ctx context.Context, userMsg string) (*domain.ChatResponse, error) {
	s.addMessages(domain.Message{Role: domain.RoleUser, Content: userMsg})
	return s.runTurn(ctx, 0, nil)
}

// Run sends userMsg and keeps executing tool calls and re-sending until the
// model answers without calls. onEvent, when set, sees every event of every
// turn. It fails with ErrMaxIterations after Config.MaxIterations turns.
func (s *Session) Run(ctx context.Context, userMsg string, onEvent func(domain.StreamEvent)) (*domain.ChatResponse, error) {
	s.addMessages(domain.Message{Role: domain.RoleUser, Content: userMsg})

	maxIter := s.deps.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	for i := 0; i < maxIter; i++ {
		resp, err := s.runTurn(ctx, i, onEvent)
		if err != nil {
			return nil, err
		}
		if len(resp.Message.ToolCalls) == 0 {
			return resp, nil
		}
		s.HandleToolCalls(ctx, resp.Message.ToolCalls)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, domain.NewDomainError("Session.Run", domain.ErrMaxIterations, s.id)
}

func (s *Session) runTurn(ctx context.Context, iteration int, onEvent func(domain.StreamEvent)) (*domain.ChatResponse, error) {
	t, err := s.startTurn(ctx, iteration)
	if err != nil {
		return nil, err
	}
	for ev := range t.events {
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

func (s *Session) startTurn(ctx context.Context, iteration int) (*turn, error) {
	engine := s.toolEngine(ctx)

	ctx = domain.WithSessionID(ctx, s.id)
	ctx, span := tracer.StartSpan(ctx, "session.turn",
		trace.WithAttributes(
			tracer.StringAttr("session.id", s.id),
			tracer.StringAttr("tool_mode", engine.Mode().String()),
			tracer.IntAttr("iteration", iteration),
		),
	)

	req := domain.ChatRequest{
		Model:    s.deps.Model,
		Messages: engine.PrepareMessages(s.Messages()),
		Tools:    engine.RequestTools(),
	}

	upstream, err := s.deps.LLM.ChatStream(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, domain.WrapOp("Session.ChatStream", err)
	}

	out := make(chan domain.StreamEvent)
	t := &turn{events: out}
	go s.relay(ctx, span, engine, req, upstream, out, t)
	return t, nil
}

// relay forwards upstream to out, filtering markers in fallback mode, and
// records the finished assistant message when the stream completes.
func (s *Session) relay(
	ctx context.Context,
	span trace.Span,
	engine *fallback.Engine,
	req domain.ChatRequest,
	upstream <-chan domain.StreamEvent,
	out chan<- domain.StreamEvent,
	t *turn,
) {
	defer close(out)
	defer span.End()

	send := func(ev domain.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	filter := engine.NewFilter()
	var (
		raw   strings.Builder
		calls []domain.ToolCall
		usage *domain.Usage
	)

	for ev := range upstream {
		if ev.Err != nil {
			t.err = ev.Err
			tracer.RecordError(span, ev.Err)
			send(ev)
			return
		}
		if ev.Usage != nil {
			usage = ev.Usage
		}
		calls = append(calls, ev.ToolCalls...)

		if ev.Content != "" {
			raw.WriteString(ev.Content)
			if filter != nil {
				ev.Content = filter.Write(ev.Content)
			}
		}
		done := ev.Done
		ev.Done = false
		if ev.Content != "" || len(ev.ToolCalls) > 0 || ev.Usage != nil {
			if !send(ev) {
				t.err = ctx.Err()
				tracer.RecordError(span, t.err)
				return
			}
		}
		if done {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		t.err = err
		tracer.RecordError(span, err)
		return
	}

	if filter != nil {
		if tail := filter.Flush(); tail != "" {
			if !send(domain.StreamEvent{Content: tail}) {
				t.err = ctx.Err()
				return
			}
		}
	}

	text := raw.String()
	visible := text
	if engine.Mode() == fallback.ModeFallback {
		var extracted []domain.ToolCall
		visible, extracted = engine.Process(text)
		if len(extracted) > 0 {
			calls = append(calls, extracted...)
			if !send(domain.StreamEvent{ToolCalls: extracted}) {
				t.err = ctx.Err()
				return
			}
		}
	}

	if usage == nil && s.deps.Config.EstimateUsage && s.deps.Estimator != nil {
		est := s.deps.Estimator.EstimateUsage(req.Messages, text)
		usage = &est
		if !send(domain.StreamEvent{Usage: usage}) {
			t.err = ctx.Err()
			return
		}
	}

	// The model sees its own markers on the next turn; native calls are
	// replayed through the structured field instead.
	stored := domain.Message{Role: domain.RoleAssistant, Content: text}
	if engine.Mode() == fallback.ModeNative {
		stored.ToolCalls = calls
	}
	s.addMessages(stored)

	resp := &domain.ChatResponse{
		ID:        s.id,
		Model:     req.Model,
		Message:   domain.Message{Role: domain.RoleAssistant, Content: visible, ToolCalls: calls},
		CreatedAt: time.Now(),
	}
	if usage != nil {
		resp.Usage = *usage
		span.SetAttributes(tracer.IntAttr("usage.total_tokens", usage.TotalTokens))
	}
	t.result = resp
	span.SetAttributes(tracer.IntAttr("tool_calls", len(calls)))
	tracer.SetOK(span)

	send(domain.StreamEvent{Done: true})
}

// HandleToolCalls executes calls in parallel and appends the result messages
// to the history, in call order. In native mode an unknown tool still gets
// an error result so every tool_call_id is answered; in fallback mode it is
// skipped.
func (s *Session) HandleToolCalls(ctx context.Context, calls []domain.ToolCall) []domain.Message {
	if len(calls) == 0 || s.deps.Tools == nil {
		return nil
	}
	engine := s.toolEngine(ctx)
	ctx = domain.WithSessionID(ctx, s.id)

	results := make([]*domain.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		t, err := s.deps.Tools.Get(call.Name)
		if err != nil {
			s.deps.Logger.Warn("model requested unknown tool",
				"session", s.id,
				"tool", call.Name,
				"mode", engine.Mode().String(),
			)
			if engine.Mode() == fallback.ModeNative {
				msg := engine.ToolResultMessage(call, "Error: unknown tool "+call.Name)
				results[i] = &msg
			}
			continue
		}
		wg.Add(1)
		go func(i int, call domain.ToolCall, t domain.Tool) {
			defer wg.Done()
			msg := engine.ToolResultMessage(call, s.executeTool(ctx, call, t))
			results[i] = &msg
		}(i, call, t)
	}
	wg.Wait()

	var msgs []domain.Message
	for _, m := range results {
		if m != nil {
			msgs = append(msgs, *m)
		}
	}
	s.addMessages(msgs...)
	return msgs
}

func (s *Session) executeTool(ctx context.Context, call domain.ToolCall, t domain.Tool) string {
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.deps.ToolTimeout)
	defer cancel()

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	start := time.Now()
	result, err := t.Execute(ctx, args)
	if err != nil {
		tracer.RecordError(span, err)
		s.deps.Logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return "Error: tool timed out"
		}
		return "Error: " + err.Error()
	}

	span.SetAttributes(tracer.BoolAttr("tool.is_error", result.IsError))
	if result.IsError {
		span.SetAttributes(tracer.BoolAttr("tool.is_retryable", result.IsRetryable))
	} else {
		tracer.SetOK(span)
	}
	s.deps.Logger.Debug("tool executed",
		"tool", call.Name,
		"duration", time.Since(start),
		"is_error", result.IsError,
	)
	return result.Content
}
