// Package refine runs the generate/score/rewrite loop that polishes a draft
// reply until it meets the acceptance bar or the attempt cap is hit. The loop
// never fails a turn because of the scorer: a broken scorer degrades the
// result, it does not block it.
package refine

import (
	"context"
	"fmt"
	"time"

	"github.com/troupelab/troupe/pkg/logger"
)

// Status reports how a result left the loop.
type Status string

const (
	// StatusOK means the draft cleared every acceptance threshold.
	StatusOK Status = "ok"
	// StatusDegraded means the draft was accepted without clearing the bar:
	// attempt cap reached, scorer unavailable, or rewrite failed.
	StatusDegraded Status = "degraded"
	// StatusFailed means no draft could be produced at all.
	StatusFailed Status = "failed"
)

// Score is one evaluation of a draft across the four persona axes.
// Axis values are on a 1-5 scale.
type Score struct {
	Voice        float64  `json:"voice"`
	Expertise    float64  `json:"expertise"`
	Stance       float64  `json:"stance"`
	Relationship float64  `json:"relationship"`
	Issues       []string `json:"issues"`
}

// Overall is the unweighted mean of the four axes.
func (s Score) Overall() float64 {
	return (s.Voice + s.Expertise + s.Stance + s.Relationship) / 4
}

// Attempt records one loop iteration for diagnostics.
type Attempt struct {
	Draft   string
	Score   *Score
	Elapsed time.Duration
}

// Result is the loop's accepted output.
type Result struct {
	Content  string
	Status   Status
	Score    *Score
	Attempts []Attempt
}

// Config carries the acceptance thresholds; see config.RefineConfig.
type Config struct {
	AcceptOverall float64
	AcceptPerAxis float64
	MaxAttempts   int
	Timeout       time.Duration
}

// Loop drives refinement through three caller-supplied stages. Generate
// produces the initial draft, Score evaluates one, and Rewrite produces the
// next draft from the previous one plus its score.
type Loop struct {
	cfg Config
}

func NewLoop(cfg Config) *Loop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AcceptOverall <= 0 {
		cfg.AcceptOverall = 4.3
	}
	if cfg.AcceptPerAxis <= 0 {
		cfg.AcceptPerAxis = 4.0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Loop{cfg: cfg}
}

// Accepted reports whether a score clears both the overall and per-axis bars.
func (l *Loop) Accepted(s Score) bool {
	if s.Overall() < l.cfg.AcceptOverall {
		return false
	}
	for _, axis := range []float64{s.Voice, s.Expertise, s.Stance, s.Relationship} {
		if axis < l.cfg.AcceptPerAxis {
			return false
		}
	}
	return true
}

// Run executes the loop. The invariant is that once Generate succeeds, Run
// always returns an accepted draft: every later failure mode resolves to
// accepting what we have, flagged Degraded.
func (l *Loop) Run(
	ctx context.Context,
	generate func(ctx context.Context) (string, error),
	score func(ctx context.Context, draft string) (*Score, error),
	rewrite func(ctx context.Context, draft string, s Score) (string, error),
) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	start := time.Now()
	draft, err := generate(ctx)
	if err != nil {
		return &Result{Status: StatusFailed}, fmt.Errorf("generation failed: %w", err)
	}

	res := &Result{Content: draft}
	for attempt := 1; ; attempt++ {
		s, err := score(ctx, res.Content)
		if err != nil {
			// Scorer outage must not block the turn.
			logger.WarnCF("refine", "scorer unavailable, accepting unscored draft",
				map[string]any{"attempt": attempt, "error": err.Error()})
			res.Status = StatusDegraded
			res.Attempts = append(res.Attempts, Attempt{Draft: res.Content, Elapsed: time.Since(start)})
			return res, nil
		}
		res.Attempts = append(res.Attempts, Attempt{Draft: res.Content, Score: s, Elapsed: time.Since(start)})
		res.Score = s

		if l.Accepted(*s) {
			res.Status = StatusOK
			return res, nil
		}
		if attempt >= l.cfg.MaxAttempts {
			logger.WarnCF("refine", "attempt cap reached, accepting last draft",
				map[string]any{"attempts": attempt, "overall": s.Overall(), "issues": s.Issues})
			res.Status = StatusDegraded
			return res, nil
		}

		next, err := rewrite(ctx, res.Content, *s)
		if err != nil {
			logger.WarnCF("refine", "rewrite failed, accepting current draft",
				map[string]any{"attempt": attempt, "error": err.Error()})
			res.Status = StatusDegraded
			return res, nil
		}
		res.Content = next
	}
}
