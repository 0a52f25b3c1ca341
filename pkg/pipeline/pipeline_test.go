package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/troupelab/troupe/pkg/boundary"
	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/persona"
	"github.com/troupelab/troupe/pkg/providers"
	"github.com/troupelab/troupe/pkg/refine"
	"github.com/troupelab/troupe/pkg/turnstore"
	"github.com/troupelab/troupe/pkg/utils"
)

// scriptedProvider replies from a queue and records every request.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]providers.Message
}

func (s *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, model string, options map[string]any) (*providers.LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return &providers.LLMResponse{Content: "unscripted reply", FinishReason: "stop"}, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return &providers.LLMResponse{Content: reply, FinishReason: "stop"}, nil
}

func (s *scriptedProvider) GetDefaultModel() string { return "stub" }

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

const passingScore = `{"voice": 5, "expertise": 5, "stance": 5, "relationship": 5, "issues": []}`

func testPipeline(t *testing.T, stub *scriptedProvider, opts ...Option) *Pipeline {
	return testPipelineCfg(t, stub, nil, opts...)
}

func testPipelineCfg(t *testing.T, stub *scriptedProvider, mutate func(*config.Config), opts ...Option) *Pipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "turns.db")
	if mutate != nil {
		mutate(cfg)
	}

	store, err := turnstore.Open(cfg.StorePath(), cfg.DedupWindow())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := persona.NewRegistry()
	registry.Add(persona.Identity{ID: "kim", DisplayName: "Analyst Kim", Era: "contemporary"})
	registry.Add(persona.Identity{ID: "scholar", DisplayName: "Joseon Scholar", Era: "15th century Korea"})

	noSleep := utils.RetryPolicy{
		AttemptTimeouts: []time.Duration{time.Second, time.Second},
		Backoffs:        []time.Duration{time.Millisecond},
		Sleep:           func(context.Context, time.Duration) error { return nil },
	}
	opts = append([]Option{WithRetryPolicy(noSleep)}, opts...)

	p := New(cfg, stub, registry, store, opts...)
	t.Cleanup(p.Close)
	return p
}

func TestRespond_AnswerPersistsNormalizedReply(t *testing.T) {
	// Contemporary persona: the gate bypasses classification, so the first
	// provider call is the generation and the second is the score.
	stub := &scriptedProvider{replies: []string{"(nods) The base rate holds.", passingScore}}
	p := testPipeline(t, stub)

	res, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", TurnID: "t1", PersonaID: "kim",
		Question:     "Where is the base rate heading?",
		Relationship: persona.NewRelationshipContext(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != refine.StatusOK {
		t.Fatalf("status = %q, want ok", res.Status)
	}
	if res.Message == nil {
		t.Fatal("answer turn must persist a message")
	}
	if strings.Contains(res.Message.Content, "nods") {
		t.Errorf("stage direction survived normalization: %q", res.Message.Content)
	}
	if stub.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (generate, score)", stub.callCount())
	}
}

func TestRespond_UnknownShortCircuitsGeneration(t *testing.T) {
	// Period persona, world-guard out: only the classification call runs.
	stub := &scriptedProvider{replies: []string{`{"coverage": 0.9, "consistency": 0.9, "certainty": 0.9, "world_guard": "out"}`}}
	p := testPipeline(t, stub)

	res, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", PersonaID: "scholar",
		Question:     "What do you think of smartphones?",
		Relationship: persona.NewRelationshipContext(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Mode != boundary.ModeUnknown {
		t.Fatalf("mode = %q, want unknown", res.Decision.Mode)
	}
	if res.Message == nil || !strings.Contains(res.Message.Content, "Joseon Scholar") {
		t.Errorf("unknown turn must persist an in-character deferral, got %+v", res.Message)
	}
	if stub.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (classification only)", stub.callCount())
	}
}

func TestRespond_SearchRequiredHandsOff(t *testing.T) {
	stub := &scriptedProvider{}
	p := testPipeline(t, stub)

	res, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", PersonaID: "kim",
		Question:     "Tell me about the fraud allegation.",
		Relationship: persona.NewRelationshipContext(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Handoff {
		t.Fatal("controversy question must hand off to the lookup collaborator")
	}
	if res.Message != nil {
		t.Error("handoff without a collaborator must not persist anything")
	}
	if stub.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", stub.callCount())
	}
}

func TestRespond_SearchRequiredPersistsLookupReply(t *testing.T) {
	stub := &scriptedProvider{}
	p := testPipeline(t, stub, WithLookupHandoff(func(ctx context.Context, req TurnRequest, d boundary.Decision) (string, error) {
		if !d.ForceExternalLookup {
			t.Error("handoff decision must force external lookup")
		}
		return "According to the court filing, the case is ongoing.", nil
	}))

	res, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", PersonaID: "kim",
		Question:     "Tell me about the fraud allegation.",
		Relationship: persona.NewRelationshipContext(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message == nil || !strings.Contains(res.Message.Content, "court filing") {
		t.Errorf("lookup reply not persisted: %+v", res.Message)
	}
}

func TestRespond_SupersededDiscardsFinishedTurn(t *testing.T) {
	stub := &scriptedProvider{replies: []string{"The base rate holds.", passingScore}}
	p := testPipeline(t, stub, WithSupersededCheck(func(string) bool { return true }))

	res, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", PersonaID: "kim",
		Question:     "Where is the base rate heading?",
		Relationship: persona.NewRelationshipContext(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != nil {
		t.Error("superseded conversation must discard the finished turn")
	}
	// The turn still ran to completion; it was not cancelled mid-flight.
	if stub.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", stub.callCount())
	}
}

func TestRespond_GenerationFailureSendsFallback(t *testing.T) {
	stub := &scriptedProvider{err: errors.New("status 401: invalid api key")}
	p := testPipeline(t, stub)

	res, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", PersonaID: "kim",
		Question:     "Where is the base rate heading?",
		Relationship: persona.NewRelationshipContext(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != refine.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Message == nil || !strings.Contains(res.Message.Content, "Analyst Kim") {
		t.Errorf("fallback must be persona-attributed and persisted, got %+v", res.Message)
	}
}

func TestRespond_ConfiguredTablesReachPersistedRow(t *testing.T) {
	// The normalizer's lookup tables come from configuration; a fix entered
	// there must show up in the stored reply.
	stub := &scriptedProvider{replies: []string{"(laughs) 한국은햏 기준으로 동결입니다.", passingScore}}
	p := testPipelineCfg(t, stub, func(cfg *config.Config) {
		cfg.Normalize.NameFixes = map[string]string{"한국은햏": "한국은행"}
		cfg.Normalize.CueIcons = map[string]string{"laugh": "😄"}
	})

	res, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", TurnID: "t1", PersonaID: "kim",
		Question:     "기준금리 전망은?",
		Relationship: persona.NewRelationshipContext(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message == nil {
		t.Fatal("answer turn must persist a message")
	}
	if !strings.Contains(res.Message.Content, "한국은행") || strings.Contains(res.Message.Content, "한국은햏") {
		t.Errorf("configured name fix did not apply: %q", res.Message.Content)
	}
	if !strings.Contains(res.Message.Content, "😄") {
		t.Errorf("configured cue icon did not apply: %q", res.Message.Content)
	}
}

func TestRespond_ContinuationPersistsSeparateParts(t *testing.T) {
	stub := &scriptedProvider{replies: []string{
		"Part one of the outlook.", passingScore,
		"Part two of the outlook.", passingScore,
		"Part two of the outlook.", passingScore,
	}}
	p := testPipeline(t, stub)

	req := TurnRequest{
		ConversationID: "c1", TurnID: "t1", PersonaID: "kim",
		Question:     "Walk me through the outlook.",
		Continuation: true,
		Relationship: persona.NewRelationshipContext(),
	}
	first, err := p.Respond(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Respond(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Message.ID == first.Message.ID {
		t.Error("continuation parts must persist as separate rows")
	}

	// Resubmitting an identical part resolves to that part's existing row.
	replay, err := p.Respond(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if replay.Message.ID != second.Message.ID {
		t.Errorf("replayed part created a new row: %s vs %s", replay.Message.ID, second.Message.ID)
	}
}

func TestRespond_ReplayReturnsSameRow(t *testing.T) {
	stub := &scriptedProvider{replies: []string{
		"The base rate holds.", passingScore,
		"The base rate holds, again.", passingScore,
	}}
	p := testPipeline(t, stub)

	req := TurnRequest{
		ConversationID: "c1", TurnID: "t1", PersonaID: "kim",
		Question:     "Where is the base rate heading?",
		Relationship: persona.NewRelationshipContext(),
	}
	first, err := p.Respond(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Respond(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Message.ID != first.Message.ID {
		t.Errorf("replayed turn created a new row: %s vs %s", second.Message.ID, first.Message.ID)
	}
}

func TestRespond_UnknownPersona(t *testing.T) {
	p := testPipeline(t, &scriptedProvider{})
	_, err := p.Respond(context.Background(), TurnRequest{
		ConversationID: "c1", PersonaID: "nobody", Question: "hi",
		Relationship: persona.NewRelationshipContext(),
	})
	if err == nil {
		t.Fatal("expected error for unknown persona")
	}
}

func TestConversationLocks_Serialize(t *testing.T) {
	locks := newConversationLocks()
	release := locks.Lock("c1")

	acquired := make(chan struct{})
	go func() {
		r := locks.Lock("c1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second locker acquired a held conversation lock")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	<-acquired
}

func TestConversationLocks_ReleasedEntriesAreDropped(t *testing.T) {
	// The map must stay bounded by in-flight conversations: once every
	// holder releases, the entry is gone.
	locks := newConversationLocks()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release := locks.Lock(fmt.Sprintf("conv-%d", i%4))
			time.Sleep(time.Millisecond)
			release()
		}(i)
	}
	wg.Wait()

	if locks.size() != 0 {
		t.Errorf("lock entries = %d, want 0 after release", locks.size())
	}
}

func TestWindowCache_PutGetEvict(t *testing.T) {
	c := NewWindowCache(time.Minute)
	defer c.Stop()

	w := persona.ConversationWindow{Summary: "rates talk"}
	c.Put("c1", w)

	got, ok := c.Get("c1")
	if !ok || got.Summary != "rates talk" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}

	c.Evict("c1")
	if _, ok := c.Get("c1"); ok {
		t.Error("evicted entry still present")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d, want 0", c.Size())
	}
}

func TestWindowCache_Expiry(t *testing.T) {
	c := NewWindowCache(10 * time.Millisecond)
	defer c.Stop()

	c.Put("c1", persona.ConversationWindow{Summary: "old"})
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("c1"); ok {
		t.Error("expired entry served")
	}
}
