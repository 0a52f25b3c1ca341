// Package pipeline runs one persona turn end to end: boundary gate, prompt
// composition, decoding selection, the generation/refinement loop, text
// normalization, and idempotent persistence. Stages run sequentially; the
// gate can short-circuit everything after it.
package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/troupelab/troupe/pkg/boundary"
	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/decoding"
	"github.com/troupelab/troupe/pkg/logger"
	"github.com/troupelab/troupe/pkg/normalize"
	"github.com/troupelab/troupe/pkg/persona"
	"github.com/troupelab/troupe/pkg/prompt"
	"github.com/troupelab/troupe/pkg/providers"
	"github.com/troupelab/troupe/pkg/redaction"
	"github.com/troupelab/troupe/pkg/refine"
	"github.com/troupelab/troupe/pkg/turnstore"
	"github.com/troupelab/troupe/pkg/utils"
)

// TurnRequest describes one inbound user turn.
type TurnRequest struct {
	ConversationID string
	// TurnID is the caller's logical turn id; optional.
	TurnID    string
	PersonaID string
	Question  string
	// Continuation marks a deliberate multi-part reply: this part persists
	// as its own row instead of deduplicating against the turn's first part.
	Continuation bool
	Relationship persona.RelationshipContext
	Window       persona.ConversationWindow
}

// TurnResult is the outcome of one pipeline run.
type TurnResult struct {
	Decision boundary.Decision
	Status   refine.Status
	Score    *refine.Score
	Attempts int
	// Message is the persisted canonical row; nil when the turn was
	// discarded (superseded) or handed off without a reply.
	Message *turnstore.Message
	// Handoff is set when Decision.Mode is SearchRequired: the reply must
	// come from the external-lookup collaborator, not from free generation.
	Handoff bool
}

// LookupHandoff receives SearchRequired turns. Returning empty text means
// the collaborator will answer out of band and the pipeline persists nothing.
type LookupHandoff func(ctx context.Context, req TurnRequest, d boundary.Decision) (string, error)

// SupersededFunc reports whether a conversation was superseded or deleted
// while a turn was in flight. An in-flight turn is never cancelled; its
// result is discarded at the persistence step.
type SupersededFunc func(conversationID string) bool

// Pipeline wires the stages together. One Pipeline serves many
// conversations; per-conversation serialization happens inside Respond.
type Pipeline struct {
	cfg        *config.Config
	provider   providers.LLMProvider
	gate       *boundary.Gate
	registry   *persona.Registry
	selector   *decoding.Selector
	loop       *refine.Loop
	normalizer *normalize.Normalizer
	store      *turnstore.Store
	windows    *WindowCache
	limiter    *rate.Limiter
	retry      utils.RetryPolicy

	lookup     LookupHandoff
	superseded SupersededFunc

	convs *conversationLocks
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithLookupHandoff installs the external-lookup collaborator.
func WithLookupHandoff(fn LookupHandoff) Option {
	return func(p *Pipeline) { p.lookup = fn }
}

// WithSupersededCheck installs the superseded-conversation probe.
func WithSupersededCheck(fn SupersededFunc) Option {
	return func(p *Pipeline) { p.superseded = fn }
}

// WithRetryPolicy replaces the default provider retry policy.
func WithRetryPolicy(policy utils.RetryPolicy) Option {
	return func(p *Pipeline) { p.retry = policy }
}

func New(cfg *config.Config, provider providers.LLMProvider, registry *persona.Registry, store *turnstore.Store, opts ...Option) *Pipeline {
	gate := boundary.NewGate(provider, cfg.EvalModel(), boundary.Config{
		ControversyTerms: cfg.Gate.ControversyTerms,
		CoverageFloor:    cfg.Gate.CoverageFloor,
		ConsistencyFloor: cfg.Gate.ConsistencyFloor,
		Timeout:          cfg.GateTimeout(),
	})
	loop := refine.NewLoop(refine.Config{
		AcceptOverall: cfg.Refine.AcceptOverall,
		AcceptPerAxis: cfg.Refine.AcceptPerAxis,
		MaxAttempts:   cfg.Refine.MaxAttempts,
		Timeout:       cfg.RefineTimeout(),
	})

	rpm := cfg.Pipeline.MaxRequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}

	p := &Pipeline{
		cfg:      cfg,
		provider: provider,
		gate:     gate,
		registry: registry,
		selector: decoding.NewSelector(cfg.Decoding.Overrides),
		loop:     loop,
		normalizer: normalize.New(
			normalize.WithNameFixes(cfg.Normalize.NameFixes),
			normalize.WithCueIcons(cfg.Normalize.CueIcons),
		),
		store:   store,
		windows: NewWindowCache(cfg.WindowCacheAge()),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		retry:   utils.DefaultProviderRetryPolicy(),
		convs:   newConversationLocks(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Windows exposes the conversation window cache.
func (p *Pipeline) Windows() *WindowCache { return p.windows }

func (p *Pipeline) Close() {
	p.windows.Stop()
}

// Respond runs one turn. Exactly one agent response per conversation is in
// flight at a time; concurrent calls for the same conversation queue behind
// the conversation mutex. The fingerprint lock inside the store is
// orthogonal and narrower.
func (p *Pipeline) Respond(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	id, ok := p.registry.Get(req.PersonaID)
	if !ok {
		return nil, fmt.Errorf("unknown persona %q", req.PersonaID)
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("empty question")
	}

	release := p.convs.Lock(req.ConversationID)
	defer release()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if len(req.Window.Turns) == 0 && req.Window.Summary == "" {
		if cached, ok := p.windows.Get(req.ConversationID); ok {
			req.Window = cached
		}
	}

	if profile := req.Relationship.Profile; profile != nil {
		redaction.RegisterProfileValues([]string{profile.AgeBand, profile.Locale, profile.Occupation, profile.Religion})
	}

	decision := p.gate.Classify(ctx, req.Question, id, req.Window.Excerpt(6))
	logger.InfoCF("pipeline", "boundary decision", map[string]any{
		"conversation_id": req.ConversationID,
		"persona":         id.ID,
		"mode":            string(decision.Mode),
		"reason":          decision.Reason,
	})

	switch decision.Mode {
	case boundary.ModeSearchRequired:
		return p.respondSearchRequired(ctx, req, id, decision)
	case boundary.ModeUnknown:
		return p.respondUnknown(ctx, req, id, decision)
	}
	return p.respondAnswer(ctx, req, id, decision)
}

// respondSearchRequired hands the turn to the lookup collaborator. The
// pipeline never free-generates on these topics.
func (p *Pipeline) respondSearchRequired(ctx context.Context, req TurnRequest, id persona.Identity, d boundary.Decision) (*TurnResult, error) {
	res := &TurnResult{Decision: d, Status: refine.StatusOK, Handoff: true}
	if p.lookup == nil {
		return res, nil
	}

	content, err := p.lookup(ctx, req, d)
	if err != nil {
		logger.WarnCF("pipeline", "lookup collaborator failed", map[string]any{
			"conversation_id": req.ConversationID, "error": err.Error(),
		})
		res.Status = refine.StatusDegraded
		return res, nil
	}
	if strings.TrimSpace(content) == "" {
		return res, nil
	}
	return p.persist(ctx, req, id, res, content)
}

// respondUnknown persists a short in-character deferral instead of guessing.
func (p *Pipeline) respondUnknown(ctx context.Context, req TurnRequest, id persona.Identity, d boundary.Decision) (*TurnResult, error) {
	res := &TurnResult{Decision: d, Status: refine.StatusOK}
	content := unknownReply(id, d)
	return p.persist(ctx, req, id, res, content)
}

func unknownReply(id persona.Identity, d boundary.Decision) string {
	if d.WorldGuard == boundary.WorldOut {
		return fmt.Sprintf("%s입니다. 그건 제가 살아온 세계 바깥의 이야기라 말씀드리기 어렵습니다. 제가 아는 범위의 이야기를 여쭤봐 주시겠어요?", id.DisplayName)
	}
	return fmt.Sprintf("%s입니다. 그 부분은 제 영역을 벗어나서 섣불리 답하기 어렵습니다. 조금 더 구체적으로 어떤 점이 궁금하신지 말씀해 주시겠어요?", id.DisplayName)
}

func (p *Pipeline) respondAnswer(ctx context.Context, req TurnRequest, id persona.Identity, d boundary.Decision) (*TurnResult, error) {
	composed := prompt.Compose(prompt.Context{
		Identity:      id,
		Canon:         p.registry.Canon(id.CanonProfileRef),
		Tone:          p.registry.Tone(id.ToneProfileRef),
		Relationship:  req.Relationship,
		WindowSummary: req.Window.Summary,
	})
	profile := p.selector.Select(id, decoding.TaskReply)
	rewriteProfile := p.selector.Select(id, decoding.TaskRewrite)

	res := &TurnResult{Decision: d}

	generate := func(ctx context.Context) (string, error) {
		return p.chat(ctx, composed.Prompt, req.Window, req.Question, profile.Options())
	}
	score := refine.NewContextScorer(p.provider, p.cfg.EvalModel(), composed.Prompt, req.Question, id.DisplayName)
	rewrite := func(ctx context.Context, draft string, s refine.Score) (string, error) {
		return p.chat(ctx, composed.Prompt, req.Window, refine.RewriteInstruction(draft, s), rewriteProfile.Options())
	}

	out, err := p.loop.Run(ctx, generate, score, rewrite)
	if err != nil {
		// Generation is gone after retries; one canned persona-attributed
		// fallback keeps the conversation moving.
		logger.ErrorCF("pipeline", "generation failed, sending fallback", map[string]any{
			"conversation_id": req.ConversationID, "persona": id.ID, "error": err.Error(),
		})
		res.Status = refine.StatusFailed
		return p.persist(ctx, req, id, res, fallbackReply(id))
	}

	res.Status = out.Status
	res.Score = out.Score
	res.Attempts = len(out.Attempts)
	return p.persist(ctx, req, id, res, out.Content)
}

func fallbackReply(id persona.Identity) string {
	return fmt.Sprintf("%s입니다. 지금 답변을 정리하는 데 문제가 생겼습니다. 잠시 후 다시 여쭤봐 주시면 이어서 말씀드리겠습니다.", id.DisplayName)
}

// chat issues one model call with retries on transient failures.
func (p *Pipeline) chat(ctx context.Context, systemPrompt string, window persona.ConversationWindow, userText string, options map[string]any) (string, error) {
	messages := make([]providers.Message, 0, len(window.Turns)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	for _, t := range window.Turns {
		role := t.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, providers.Message{Role: role, Content: t.Content})
	}
	messages = append(messages, providers.Message{Role: "user", Content: userText})

	resp, err := utils.DoWithRetry(ctx, p.retry, func(ctx context.Context) (*providers.LLMResponse, error) {
		return p.provider.Chat(ctx, messages, p.cfg.LLM.Model, options)
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// persist normalizes and writes the reply, honoring the superseded check:
// an in-flight turn for a superseded conversation finishes and is discarded.
func (p *Pipeline) persist(ctx context.Context, req TurnRequest, id persona.Identity, res *TurnResult, content string) (*TurnResult, error) {
	normalized := p.normalizer.Apply(content, id, req.Relationship.CounterpartName)

	if p.superseded != nil && p.superseded(req.ConversationID) {
		logger.InfoCF("pipeline", "conversation superseded, discarding finished turn", map[string]any{
			"conversation_id": req.ConversationID, "persona": id.ID,
		})
		p.windows.Evict(req.ConversationID)
		return res, nil
	}

	speaker := id.ID
	if req.Continuation {
		// Each part needs its own utterance identity: turn-level dedup then
		// tells the parts apart, while a replay of the same part still
		// resolves to its existing row.
		sum := sha256.Sum256([]byte(normalized))
		speaker = fmt.Sprintf("%s#%x", id.ID, sum[:4])
	}

	msg, err := p.store.Save(ctx, turnstore.Record{
		ConversationID: req.ConversationID,
		SpeakerID:      speaker,
		AgentID:        id.ID,
		TurnID:         req.TurnID,
		Continuation:   req.Continuation,
		Content:        normalized,
	})
	if err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}
	res.Message = msg

	window := req.Window
	window.Turns = append(window.Turns,
		persona.Turn{Role: "user", Content: req.Question, Timestamp: time.Now()},
		persona.Turn{Role: "assistant", SpeakerName: id.DisplayName, Content: normalized, Timestamp: msg.CreatedAt},
	)
	p.windows.Put(req.ConversationID, window)

	return res, nil
}
