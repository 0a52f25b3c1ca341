// Package turnstore persists one canonical row per logical turn. Duplicate
// submissions of the same turn (client retries, delivery races, double
// clicks) all resolve to the row written first, under arbitrary concurrency.
package turnstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/troupelab/troupe/pkg/logger"
)

// Message is the canonical persisted form of one turn.
type Message struct {
	ID             string
	ConversationID string
	SpeakerID      string
	AgentID        string
	TurnID         string
	IdempotencyKey string
	Continuation   bool
	Content        string
	CreatedAt      time.Time
}

// Record is one persistence request.
type Record struct {
	ConversationID string
	SpeakerID      string
	AgentID        string
	// TurnID is the caller-supplied logical turn id; optional.
	TurnID string
	// Continuation marks a deliberate multi-part reply, which exempts the
	// row from agent-level turn dedup.
	Continuation bool
	// Content must already be normalized.
	Content string
}

// Store is backed by sqlite. All duplicate detection happens inside a
// fingerprint-scoped critical section, with a UNIQUE index as the final
// arbiter for writers racing from separate processes.
type Store struct {
	db          *sql.DB
	locks       *keyedMutex
	dedupWindow time.Duration
}

func Open(path string, dedupWindow time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if dedupWindow <= 0 {
		dedupWindow = 10 * time.Minute
	}
	s := &Store{db: db, locks: newKeyedMutex(), dedupWindow: dedupWindow}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		speaker_id      TEXT NOT NULL,
		agent_id        TEXT NOT NULL DEFAULT '',
		turn_id         TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		continuation    INTEGER NOT NULL DEFAULT 0,
		content         TEXT NOT NULL,
		created_at      DATETIME NOT NULL,
		UNIQUE(conversation_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv_created
		ON messages(conversation_id, created_at);`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Fingerprint derives the idempotency key for a record. With no turn id the
// key is content-derived, so byte-identical resubmissions collide by
// construction.
func Fingerprint(r Record) string {
	if t := strings.TrimSpace(r.TurnID); t != "" {
		return fmt.Sprintf("turn:v1:%s:%s:%s", r.ConversationID, r.SpeakerID, t)
	}
	sum := sha256.Sum256([]byte(r.ConversationID + "\x00" + r.SpeakerID + "\x00" + r.Content))
	return fmt.Sprintf("turn:v1:%s:%s:%x", r.ConversationID, r.SpeakerID, sum[:16])
}

// Save persists r or returns the already-persisted row for the same logical
// turn. The duplicate checks run in precedence order; the first match wins
// and nothing is written.
func (s *Store) Save(ctx context.Context, r Record) (*Message, error) {
	key := Fingerprint(r)
	unlock := s.locks.Lock(key)
	defer unlock()

	if existing, err := s.findDuplicate(ctx, r); err != nil {
		return nil, err
	} else if existing != nil {
		logger.DebugCF("turnstore", "duplicate turn resolved to existing row",
			map[string]any{"conversation_id": r.ConversationID, "message_id": existing.ID})
		return existing, nil
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: r.ConversationID,
		SpeakerID:      r.SpeakerID,
		AgentID:        r.AgentID,
		TurnID:         r.TurnID,
		IdempotencyKey: key,
		Continuation:   r.Continuation,
		Content:        r.Content,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(id, conversation_id, speaker_id, agent_id, turn_id, idempotency_key, continuation, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SpeakerID, msg.AgentID, msg.TurnID,
		msg.IdempotencyKey, boolToInt(msg.Continuation), msg.Content, msg.CreatedAt)
	if err != nil {
		// A writer in another process can win the race between our check
		// and the insert; the unique index makes it visible here.
		if isUniqueViolation(err) {
			return s.byKey(ctx, r.ConversationID, key)
		}
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	return msg, nil
}

// findDuplicate applies the precedence chain:
// 1. same turn id and speaker;
// 2. same turn id and agent, unless this is a flagged continuation;
// 3. same speaker with identical content inside the trailing window.
func (s *Store) findDuplicate(ctx context.Context, r Record) (*Message, error) {
	if t := strings.TrimSpace(r.TurnID); t != "" {
		if m, err := s.queryOne(ctx, `SELECT `+columns+` FROM messages
			WHERE conversation_id = ? AND turn_id = ? AND speaker_id = ?`,
			r.ConversationID, t, r.SpeakerID); err != nil || m != nil {
			return m, err
		}
		if r.AgentID != "" && !r.Continuation {
			if m, err := s.queryOne(ctx, `SELECT `+columns+` FROM messages
				WHERE conversation_id = ? AND turn_id = ? AND agent_id = ? AND continuation = 0`,
				r.ConversationID, t, r.AgentID); err != nil || m != nil {
				return m, err
			}
		}
	}

	cutoff := time.Now().UTC().Add(-s.dedupWindow)
	return s.queryOne(ctx, `SELECT `+columns+` FROM messages
		WHERE conversation_id = ? AND speaker_id = ? AND content = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		r.ConversationID, r.SpeakerID, r.Content, cutoff)
}

// Recent returns the newest n rows of a conversation, oldest first.
func (s *Store) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

const columns = `id, conversation_id, speaker_id, agent_id, turn_id, idempotency_key, continuation, content, created_at`

func (s *Store) byKey(ctx context.Context, conversationID, key string) (*Message, error) {
	m, err := s.queryOne(ctx, `SELECT `+columns+` FROM messages
		WHERE conversation_id = ? AND idempotency_key = ?`, conversationID, key)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("turn row vanished after unique conflict (conversation %s)", conversationID)
	}
	return m, nil
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*Message, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var continuation int
	err := row.Scan(&m.ID, &m.ConversationID, &m.SpeakerID, &m.AgentID, &m.TurnID,
		&m.IdempotencyKey, &continuation, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Continuation = continuation != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
