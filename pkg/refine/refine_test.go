package refine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testLoop() *Loop {
	return NewLoop(Config{AcceptOverall: 4.3, AcceptPerAxis: 4.0, MaxAttempts: 3, Timeout: time.Second})
}

func TestRun_LowScoreTriggersOneRewrite(t *testing.T) {
	// Scenario: first draft averages 3.75 with a stance issue, the rewrite
	// clears the bar, and the loop stops at attempt two.
	loop := testLoop()

	scores := []*Score{
		{Voice: 4, Expertise: 4, Stance: 3, Relationship: 4, Issues: []string{"hedges instead of holding the persona's position"}},
		{Voice: 4.5, Expertise: 4.5, Stance: 4.5, Relationship: 4.5},
	}
	scoreCalls := 0
	rewrites := 0

	res, err := loop.Run(context.Background(),
		func(ctx context.Context) (string, error) { return "draft-1", nil },
		func(ctx context.Context, draft string) (*Score, error) {
			s := scores[scoreCalls]
			scoreCalls++
			return s, nil
		},
		func(ctx context.Context, draft string, s Score) (string, error) {
			rewrites++
			if len(s.Issues) == 0 {
				t.Error("rewrite should receive the scored issues")
			}
			return "draft-2", nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %q, want ok", res.Status)
	}
	if res.Content != "draft-2" {
		t.Errorf("content = %q, want the rewritten draft", res.Content)
	}
	if rewrites != 1 || scoreCalls != 2 {
		t.Errorf("rewrites = %d, scoreCalls = %d; want 1 and 2", rewrites, scoreCalls)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("attempts recorded = %d, want 2", len(res.Attempts))
	}
}

func TestRun_AttemptCapAcceptsLastDraft(t *testing.T) {
	loop := testLoop()
	rewrites := 0

	res, err := loop.Run(context.Background(),
		func(ctx context.Context) (string, error) { return "draft-1", nil },
		func(ctx context.Context, draft string) (*Score, error) {
			return &Score{Voice: 2, Expertise: 2, Stance: 2, Relationship: 2, Issues: []string{"off voice"}}, nil
		},
		func(ctx context.Context, draft string, s Score) (string, error) {
			rewrites++
			return "draft-rewrite", nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", res.Status)
	}
	if rewrites != 2 {
		t.Errorf("rewrites = %d, want 2 (three scored attempts)", rewrites)
	}
	if res.Content == "" {
		t.Error("capped loop must still return a draft")
	}
}

func TestRun_ScorerErrorAcceptsUnscored(t *testing.T) {
	loop := testLoop()

	res, err := loop.Run(context.Background(),
		func(ctx context.Context) (string, error) { return "draft-1", nil },
		func(ctx context.Context, draft string) (*Score, error) { return nil, errors.New("eval model down") },
		func(ctx context.Context, draft string, s Score) (string, error) {
			t.Error("rewrite must not run when scoring fails")
			return "", nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", res.Status)
	}
	if res.Content != "draft-1" || res.Score != nil {
		t.Errorf("result = %+v, want unscored first draft", res)
	}
}

func TestRun_RewriteErrorAcceptsCurrent(t *testing.T) {
	loop := testLoop()

	res, err := loop.Run(context.Background(),
		func(ctx context.Context) (string, error) { return "draft-1", nil },
		func(ctx context.Context, draft string) (*Score, error) {
			return &Score{Voice: 3, Expertise: 3, Stance: 3, Relationship: 3}, nil
		},
		func(ctx context.Context, draft string, s Score) (string, error) { return "", errors.New("timeout") },
	)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDegraded || res.Content != "draft-1" {
		t.Errorf("result = %+v, want degraded first draft", res)
	}
}

func TestRun_GenerateErrorFails(t *testing.T) {
	loop := testLoop()

	res, err := loop.Run(context.Background(),
		func(ctx context.Context) (string, error) { return "", errors.New("provider unreachable") },
		func(ctx context.Context, draft string) (*Score, error) { return nil, nil },
		func(ctx context.Context, draft string, s Score) (string, error) { return "", nil },
	)
	if err == nil {
		t.Fatal("expected an error when generation fails")
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
}

func TestAccepted_PerAxisFloor(t *testing.T) {
	loop := testLoop()
	// High overall but one axis below the floor must not pass.
	s := Score{Voice: 5, Expertise: 5, Stance: 3.9, Relationship: 5}
	if loop.Accepted(s) {
		t.Errorf("score %+v (overall %.2f) should fail the per-axis floor", s, s.Overall())
	}
	if loop.Accepted(Score{Voice: 4.3, Expertise: 4.3, Stance: 4.3, Relationship: 4.3}) == false {
		t.Error("uniformly 4.3 should pass both bars")
	}
}

func TestRewriteInstruction_ListsIssues(t *testing.T) {
	got := RewriteInstruction("old text", Score{Issues: []string{"too formal", "drops honorific"}})
	if !strings.Contains(got, "- too formal") || !strings.Contains(got, "- drops honorific") {
		t.Errorf("instruction missing issues:\n%s", got)
	}
	if !strings.Contains(got, "old text") {
		t.Error("instruction must carry the previous reply")
	}
}
