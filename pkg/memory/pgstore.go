package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// PGBackend is the PostgreSQL-backed memory persistence. Embeddings are
// stored as JSONB arrays; similarity scoring happens in the store layer.
type PGBackend struct {
	db *sql.DB
}

// NewPGBackend creates a PostgreSQL memory backend.
func NewPGBackend(db *sql.DB) *PGBackend {
	return &PGBackend{db: db}
}

func (b *PGBackend) Upsert(ctx context.Context, e models.MemoryEntry) error {
	emb, err := json.Marshal(e.Embedding)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memories
			(id, memory_type, content, embedding, metadata, user_id, agent_id, conversation_id,
			 importance_score, access_count, created_at, last_accessed, expires_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			memory_type = EXCLUDED.memory_type,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			importance_score = EXCLUDED.importance_score,
			expires_at = EXCLUDED.expires_at`,
		e.ID, string(e.MemoryType), e.Content, emb, meta, e.UserID, e.AgentID, e.ConversationID,
		e.ImportanceScore, e.AccessCount, e.CreatedAt, e.LastAccessed, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert memory: %w", err)
	}
	return nil
}

const memoryColumns = `id, memory_type, content, embedding, metadata, user_id, agent_id,
	conversation_id, importance_score, access_count, created_at, last_accessed, expires_at`

func (b *PGBackend) Get(ctx context.Context, id string) (models.MemoryEntry, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MemoryEntry{}, ErrNotFound
	}
	return e, err
}

func (b *PGBackend) Candidates(ctx context.Context, f Filters, limit int) ([]models.MemoryEntry, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = "+arg(f.AgentID))
	}
	if f.ConversationID != "" {
		conds = append(conds, "conversation_id = "+arg(f.ConversationID))
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = arg(string(t))
		}
		conds = append(conds, "memory_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + memoryColumns + ` FROM memories`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var out []models.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PGBackend) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PGBackend) Purge(ctx context.Context, now, retentionCutoff time.Time, importanceCutoff float64) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM memories
		WHERE (expires_at IS NOT NULL AND expires_at < $1)
		   OR (created_at < $2 AND importance_score < $3)`,
		now, retentionCutoff, importanceCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge memories: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *PGBackend) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.MemoryEntry, error) {
	var e models.MemoryEntry
	var emb, meta []byte
	var userID, agentID, conversationID sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&e.ID, &e.MemoryType, &e.Content, &emb, &meta, &userID, &agentID,
		&conversationID, &e.ImportanceScore, &e.AccessCount, &e.CreatedAt, &e.LastAccessed, &expiresAt); err != nil {
		return models.MemoryEntry{}, err
	}
	if err := json.Unmarshal(emb, &e.Embedding); err != nil {
		return models.MemoryEntry{}, fmt.Errorf("failed to decode embedding: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return models.MemoryEntry{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	e.UserID = userID.String
	e.AgentID = agentID.String
	e.ConversationID = conversationID.String
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, nil
}
