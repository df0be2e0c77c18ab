// Package agent is the conversation engine. It resolves the caller's
// session, drives the model through as many tool rounds as the depth
// ceiling allows, records every exchange in the session log, and streams
// the reply to the caller.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/backlog-assistant/internal/config"
	"github.com/nugget/backlog-assistant/internal/events"
	"github.com/nugget/backlog-assistant/internal/llm"
	"github.com/nugget/backlog-assistant/internal/profile"
	"github.com/nugget/backlog-assistant/internal/session"
	"github.com/nugget/backlog-assistant/internal/tools"
	"github.com/nugget/backlog-assistant/internal/usage"
)

// Event types delivered to Submit callers.
const (
	EventSessionID = "session_id"
	EventText      = "text"
	EventError     = "error"
	EventDone      = "done"
)

// StreamEvent is one unit of streamed output.
type StreamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Request is one user message.
type Request struct {
	SessionID  string // optional; unknown, expired or foreign IDs start a new session
	UserID     string
	PlatformID string // game platform account used for profile visibility
	Text       string
}

// Reply is the finished answer to a synchronous request.
type Reply struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ToolExecutor runs tools and describes them to the model.
type ToolExecutor interface {
	Manifest() []llm.Tool
	Execute(ctx context.Context, name string, input json.RawMessage, caller tools.Caller) (tools.Result, error)
}

// VisibilityResolver reports a user's profile visibility.
type VisibilityResolver interface {
	Visibility(ctx context.Context, platformID string) profile.Visibility
}

// UsageRecorder stores per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config tunes the engine.
type Config struct {
	Model        string
	MaxTokens    int
	SystemPrompt string
	MaxToolDepth int
	ModelTimeout time.Duration
	ToolTimeout  time.Duration
	LeaseTTL     time.Duration
	Pricing      map[string]config.PricingEntry
}

// DefaultConfig matches the defaults in the config package.
func DefaultConfig() Config {
	return Config{
		Model:        "claude-sonnet-4-5-20250929",
		MaxTokens:    4096,
		SystemPrompt: SystemPrompt,
		MaxToolDepth: 5,
		ModelTimeout: 60 * time.Second,
		ToolTimeout:  15 * time.Second,
		LeaseTTL:     10 * time.Minute,
	}
}

// Deps are the engine's collaborators. Client, Sessions and Tools are
// required.
type Deps struct {
	Client   llm.Client
	Sessions session.Store
	Tools    ToolExecutor
	Profiles VisibilityResolver
	Usage    UsageRecorder
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Engine orchestrates conversations. It is safe for concurrent use;
// requests for the same session are serialized by the session lease.
type Engine struct {
	cfg      Config
	client   llm.Client
	sessions session.Store
	tools    ToolExecutor
	profiles VisibilityResolver
	usage    UsageRecorder
	bus      *events.Bus
	logger   *slog.Logger
	manifest []llm.Tool

	mu       sync.Mutex
	inflight map[string]struct{} // session IDs with a request running here
}

// New creates an engine. Zero config values take their defaults.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = def.MaxToolDepth
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = def.ModelTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		client:   deps.Client,
		sessions: deps.Sessions,
		tools:    deps.Tools,
		profiles: deps.Profiles,
		usage:    deps.Usage,
		bus:      deps.Bus,
		logger:   logger.With("component", "engine"),
		manifest: deps.Tools.Manifest(),
		inflight: make(map[string]struct{}),
	}
}

// Submit processes one user message, streaming the reply through emit.
//
// Events arrive in order: session_id when a new session was created,
// then text deltas, then exactly one of error or done. Submit returns
// an error only when nothing was emitted (an *InputError,
// ErrSessionBusy, or a session store failure) or when emit itself
// failed or ctx was cancelled mid-stream.
func (e *Engine) Submit(ctx context.Context, req Request, emit func(StreamEvent) error) error {
	emitText := func(s string) error {
		return emit(StreamEvent{Type: EventText, Content: s})
	}
	invoke := func(ctx context.Context, mr *llm.Request, d *driver) error {
		return e.invokeStream(ctx, mr, d)
	}

	sess, result, _, err := e.process(ctx, req, emitText, invoke, func(id string) error {
		return emit(StreamEvent{Type: EventSessionID, SessionID: id})
	})
	if sess == nil {
		return err
	}

	switch result {
	case outcomeDone:
		return e.deliver(emit, StreamEvent{Type: EventDone})
	case outcomeUpstream:
		return e.deliver(emit, StreamEvent{Type: EventError, Content: ApologyText})
	case outcomeFailed:
		return e.deliver(emit, StreamEvent{Type: EventError, Content: GenericErrorText})
	default:
		return err
	}
}

// SubmitSync processes one user message without streaming. Upstream
// failures produce the apology as the reply text; protocol and storage
// failures are returned as errors.
func (e *Engine) SubmitSync(ctx context.Context, req Request) (*Reply, error) {
	invoke := func(ctx context.Context, mr *llm.Request, d *driver) error {
		resp, err := e.client.Complete(ctx, mr)
		if err != nil {
			return &upstreamError{err: err}
		}
		return d.replay(resp)
	}

	sess, result, final, err := e.process(ctx, req, nil, invoke, nil)
	if sess == nil {
		return nil, err
	}

	switch result {
	case outcomeDone:
		return &Reply{Text: final, SessionID: sess.ID}, nil
	case outcomeUpstream:
		return &Reply{Text: ApologyText, SessionID: sess.ID}, nil
	default:
		return nil, err
	}
}

func (e *Engine) deliver(emit func(StreamEvent) error, ev StreamEvent) error {
	if err := emit(ev); err != nil {
		return &deliveryError{err: err}
	}
	return nil
}

type outcome int

const (
	outcomeDone     outcome = iota // reply complete
	outcomeUpstream                // model failed; apologize
	outcomeFailed                  // our failure; generic error
	outcomeAborted                 // caller went away; stay silent
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeUpstream:
		return "upstream_error"
	case outcomeFailed:
		return "error"
	default:
		return "aborted"
	}
}

// invoker runs one model invocation, feeding the reply into d.
type invoker func(ctx context.Context, req *llm.Request, d *driver) error

// process is shared by both submit paths. emitText and announce may be
// nil. A nil session means the request was refused before anything was
// emitted and err says why. final is the text of the recorded reply.
func (e *Engine) process(ctx context.Context, req Request, emitText func(string) error, invoke invoker, announce func(string) error) (sess *session.Session, result outcome, final string, err error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, outcomeFailed, "", ErrBlankMessage
	}
	if req.UserID == "" {
		return nil, outcomeFailed, "", errors.New("request has no user")
	}

	start := time.Now()
	sess, created, lease, err := e.openSession(ctx, req)
	if err != nil {
		return nil, outcomeFailed, "", err
	}
	defer e.closeSession(ctx, sess.ID, lease)

	log := e.logger.With("session_id", sess.ID, "user_id", req.UserID)
	e.bus.Emit(events.SourceEngine, events.KindRequestStart, map[string]any{
		"session_id":  sess.ID,
		"user_id":     req.UserID,
		"new_session": created,
	})

	if created && announce != nil {
		if err := announce(sess.ID); err != nil {
			return sess, outcomeAborted, "", &deliveryError{err: err}
		}
	}

	depth, final, err := e.converse(ctx, log, sess, lease, req, emitText, invoke)
	result = e.classify(ctx, log, err)

	log.Info("request complete", "outcome", result.String(), "depth", depth, "messages", len(sess.Messages),
		"elapsed", time.Since(start).Round(time.Millisecond))
	e.bus.Emit(events.SourceEngine, events.KindRequestComplete, map[string]any{
		"session_id": sess.ID,
		"user_id":    req.UserID,
		"outcome":    result.String(),
		"depth":      depth,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return sess, result, final, err
}

func (e *Engine) classify(ctx context.Context, log *slog.Logger, err error) outcome {
	var (
		upstream *upstreamError
		delivery *deliveryError
		proto    *ProtocolError
	)
	switch {
	case err == nil:
		return outcomeDone
	case errors.As(err, &delivery):
		log.Info("caller stopped listening", "error", err)
		return outcomeAborted
	case ctx.Err() != nil:
		log.Info("request cancelled", "error", ctx.Err())
		return outcomeAborted
	case errors.As(err, &upstream):
		log.Error("model invocation failed", "error", err)
		return outcomeUpstream
	case errors.As(err, &proto):
		log.Error("conversation protocol error", "error", err)
		return outcomeFailed
	case errors.Is(err, ErrLeaseLost):
		log.Warn("session taken over by another request", "error", err)
		return outcomeFailed
	default:
		log.Error("conversation failed", "error", err)
		return outcomeFailed
	}
}

// openSession finds or creates the session and takes its lease. On
// success the caller must hand the lease to closeSession.
func (e *Engine) openSession(ctx context.Context, req Request) (*session.Session, bool, *sessionLease, error) {
	var sess *session.Session
	if req.SessionID != "" {
		found, err := e.sessions.Find(ctx, req.SessionID, req.UserID)
		switch {
		case err == nil:
			sess = found
		case errors.Is(err, session.ErrNotFound):
			e.logger.Debug("session not usable, starting a new one", "requested", req.SessionID, "user_id", req.UserID)
		default:
			return nil, false, nil, fmt.Errorf("find session: %w", err)
		}
	}

	created := false
	if sess == nil {
		fresh, err := e.sessions.Create(ctx, req.UserID)
		if err != nil {
			return nil, false, nil, fmt.Errorf("create session: %w", err)
		}
		sess, created = fresh, true
		e.logger.Info("session created", "session_id", sess.ID, "user_id", req.UserID)
		e.bus.Emit(events.SourceEngine, events.KindSessionCreated, map[string]any{
			"session_id": sess.ID,
			"user_id":    req.UserID,
		})
	}

	// The store lease can lapse under a slow store or a paused process;
	// requests in this process are also kept apart here.
	if !e.claim(sess.ID) {
		return nil, false, nil, ErrSessionBusy
	}
	lease, err := acquireLease(ctx, e.sessions, sess.ID, e.cfg.LeaseTTL, e.logger)
	if err != nil {
		e.unclaim(sess.ID)
		return nil, false, nil, err
	}

	if !created {
		// Pick up anything appended between Find and the lease.
		current, err := e.sessions.Find(ctx, sess.ID, req.UserID)
		if err != nil {
			e.closeSession(ctx, sess.ID, lease)
			return nil, false, nil, fmt.Errorf("reload session: %w", err)
		}
		sess = current
	}
	return sess, created, lease, nil
}

func (e *Engine) closeSession(ctx context.Context, id string, lease *sessionLease) {
	lease.release(ctx)
	e.unclaim(id)
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) unclaim(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// converse records the user message and runs the depth-bounded loop of
// model invocations and tool rounds. It returns the depth reached and
// the text of the final reply.
//
// The lease is renewed before every model invocation and again before
// anything the invocation produced is run or recorded.
func (e *Engine) converse(ctx context.Context, log *slog.Logger, sess *session.Session, lease *sessionLease, req Request, emitText func(string) error, invoke invoker) (int, string, error) {
	if err := e.sessions.Append(ctx, sess, llm.UserText(req.Text)); err != nil {
		return 0, "", fmt.Errorf("record user message: %w", err)
	}

	caller := tools.Caller{UserID: req.UserID, Visibility: profile.VisibilityUnknown}
	if e.profiles != nil {
		caller.Visibility = e.profiles.Visibility(ctx, req.PlatformID)
	}

	for depth := 0; depth <= e.cfg.MaxToolDepth; depth++ {
		if err := lease.renew(ctx); err != nil {
			return depth, "", err
		}
		t, err := e.invokeModel(ctx, log, sess, depth, emitText, invoke)
		if err != nil {
			return depth, "", err
		}
		if err := lease.renew(ctx); err != nil {
			return depth, "", err
		}

		if len(t.calls) == 0 {
			if t.text == "" {
				// An empty assistant turn would be rejected on replay.
				log.Warn("model returned an empty reply", "depth", depth, "stop_reason", t.stopReason)
				return depth, "", nil
			}
			if err := e.sessions.Append(ctx, sess, llm.AssistantText(t.text)); err != nil {
				return depth, "", fmt.Errorf("record reply: %w", err)
			}
			return depth, t.text, nil
		}

		if depth == e.cfg.MaxToolDepth {
			log.Warn("tool depth ceiling reached, not running requested tools",
				"depth", depth, "requested", len(t.calls))
			final := t.text
			if final == "" {
				final = FallbackText
				if emitText != nil {
					if err := emitText(final); err != nil {
						return depth, "", &deliveryError{err: err}
					}
				}
			}
			if err := e.sessions.Append(ctx, sess, llm.AssistantText(final)); err != nil {
				return depth, "", fmt.Errorf("record reply: %w", err)
			}
			return depth, final, nil
		}

		results, err := e.runToolRound(tools.WithSessionID(ctx, sess.ID), log, sess.ID, caller, t.calls)
		if err != nil {
			return depth, "", err
		}
		if err := ctx.Err(); err != nil {
			return depth, "", err
		}
		if err := e.sessions.Append(ctx, sess, llm.AssistantWithCalls(t.text, t.calls), llm.ToolResults(results)); err != nil {
			return depth, "", fmt.Errorf("record tool round: %w", err)
		}
	}

	return e.cfg.MaxToolDepth, "", errors.New("tool loop exited without a final reply")
}

// invokeModel sends the session log to the model once, under the model
// timeout, and records its usage.
func (e *Engine) invokeModel(ctx context.Context, log *slog.Logger, sess *session.Session, depth int, emitText func(string) error, invoke invoker) (*turn, error) {
	mr := &llm.Request{
		Model:     e.cfg.Model,
		System:    e.cfg.SystemPrompt,
		Messages:  BuildTurns(sess.Messages, ""),
		Tools:     e.manifest,
		MaxTokens: e.cfg.MaxTokens,
	}

	log.Debug("invoking model", "depth", depth, "turns", len(mr.Messages))
	e.bus.Emit(events.SourceEngine, events.KindLLMCall, map[string]any{
		"session_id": sess.ID,
		"user_id":    sess.OwnerID,
		"depth":      depth,
		"model":      e.cfg.Model,
	})

	mctx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
	defer cancel()

	d := newDriver(emitText)
	if err := invoke(mctx, mr, d); err != nil {
		var delivery *deliveryError
		if ctx.Err() == nil && mctx.Err() != nil && !errors.As(err, &delivery) {
			return nil, &upstreamError{err: fmt.Errorf("model timed out after %s: %w", e.cfg.ModelTimeout, err)}
		}
		return nil, err
	}
	t, err := d.result()
	if err != nil {
		return nil, err
	}

	model := t.model
	if model == "" {
		model = e.cfg.Model
	}
	cost := usage.ComputeCost(model, t.usage.InputTokens, t.usage.OutputTokens, e.cfg.Pricing)
	log.Debug("model replied", "depth", depth, "model", model, "stop_reason", t.stopReason,
		"tool_calls", len(t.calls), "input_tokens", t.usage.InputTokens, "output_tokens", t.usage.OutputTokens)
	e.bus.Emit(events.SourceEngine, events.KindLLMResponse, map[string]any{
		"session_id":  sess.ID,
		"user_id":     sess.OwnerID,
		"depth":       depth,
		"model":       model,
		"tokens_in":   t.usage.InputTokens,
		"tokens_out":  t.usage.OutputTokens,
		"cost_usd":    cost,
		"tool_calls":  len(t.calls),
		"stop_reason": t.stopReason,
	})
	if e.usage != nil {
		rec := usage.Record{
			SessionID:    sess.ID,
			UserID:       sess.OwnerID,
			Model:        model,
			Depth:        depth,
			InputTokens:  t.usage.InputTokens,
			OutputTokens: t.usage.OutputTokens,
			CostUSD:      cost,
		}
		if err := e.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("record usage", "error", err)
		}
	}
	return t, nil
}

// invokeStream runs one streamed invocation.
func (e *Engine) invokeStream(ctx context.Context, mr *llm.Request, d *driver) error {
	stream, err := e.client.Stream(ctx, mr)
	if err != nil {
		return &upstreamError{err: err}
	}
	defer stream.Close()

	for {
		f, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &upstreamError{err: err}
		}
		if err := d.handle(f); err != nil {
			return err
		}
	}
}
