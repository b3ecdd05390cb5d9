package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/carex-health/carex-server/internal/models"
)

// ErrThreadNotFound is returned when a thread does not exist or is owned by a
// different identity. The two cases are deliberately indistinguishable.
var ErrThreadNotFound = errors.New("db: thread not found")

// CreateThread inserts a new conversation thread for owner.
func (p *Postgres) CreateThread(ctx context.Context, owner, title string) (*models.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Consultation"
	}

	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedBy: owner,
		CreatedAt: now,
		UpdatedAt: now,
	}

	const query = `INSERT INTO chat_threads (id, title, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.Pool.Exec(ctx, query, thread.ID, thread.Title, thread.CreatedBy, thread.CreatedAt, thread.UpdatedAt); err != nil {
		return nil, fmt.Errorf("postgres: create thread: %w", err)
	}

	return thread, nil
}

// GetThread loads a thread and its messages in ascending chronological order,
// scoped to owner.
func (p *Postgres) GetThread(ctx context.Context, id, owner string) (*models.Thread, error) {
	const query = `SELECT id, title, created_by, created_at, updated_at
		FROM chat_threads WHERE id = $1 AND created_by = $2`

	var thread models.Thread
	err := p.Pool.QueryRow(ctx, query, id, owner).Scan(
		&thread.ID, &thread.Title, &thread.CreatedBy, &thread.CreatedAt, &thread.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("postgres: query thread: %w", err)
	}

	messages, err := p.listMessages(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	thread.Messages = messages

	return &thread, nil
}

// ListThreads returns all of owner's threads, most recently updated first.
// Each thread carries at most its single latest message for preview purposes.
func (p *Postgres) ListThreads(ctx context.Context, owner string) ([]models.Thread, error) {
	const query = `SELECT id, title, created_by, created_at, updated_at
		FROM chat_threads WHERE created_by = $1 ORDER BY updated_at DESC`

	rows, err := p.Pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	index := make(map[string]int)
	for rows.Next() {
		var thread models.Thread
		if err := rows.Scan(&thread.ID, &thread.Title, &thread.CreatedBy, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		index[thread.ID] = len(threads)
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}

	if len(threads) == 0 {
		return threads, nil
	}

	const previewQuery = `SELECT DISTINCT ON (m.thread_id)
			m.id, m.thread_id, m.role, m.content, m.created_at
		FROM chat_messages m
		JOIN chat_threads t ON t.id = m.thread_id
		WHERE t.created_by = $1
		ORDER BY m.thread_id, m.created_at DESC`

	previewRows, err := p.Pool.Query(ctx, previewQuery, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list previews: %w", err)
	}
	defer previewRows.Close()

	for previewRows.Next() {
		var msg models.Message
		if err := previewRows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan preview: %w", err)
		}
		if i, ok := index[msg.ThreadID]; ok {
			threads[i].Messages = []models.Message{msg}
		}
	}
	if err := previewRows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list previews: %w", err)
	}

	return threads, nil
}

// AppendMessage stores one turn on a thread.
func (p *Postgres) AppendMessage(ctx context.Context, threadID, role, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	const query = `INSERT INTO chat_messages (id, thread_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.Pool.Exec(ctx, query, msg.ID, msg.ThreadID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("postgres: append message: %w", err)
	}

	return msg, nil
}

// TouchThread bumps a thread's updated_at to now.
func (p *Postgres) TouchThread(ctx context.Context, threadID string) error {
	const query = `UPDATE chat_threads SET updated_at = $2 WHERE id = $1`
	if _, err := p.Pool.Exec(ctx, query, threadID, time.Now().UTC()); err != nil {
		return fmt.Errorf("postgres: touch thread: %w", err)
	}
	return nil
}

// DeleteThread removes a thread and, through the cascade, all of its
// messages. Deleting an absent or unowned thread is a no-op.
func (p *Postgres) DeleteThread(ctx context.Context, id, owner string) error {
	const query = `DELETE FROM chat_threads WHERE id = $1 AND created_by = $2`
	if _, err := p.Pool.Exec(ctx, query, id, owner); err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	return nil
}

func (p *Postgres) listMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	const query = `SELECT id, thread_id, role, content, created_at
		FROM chat_messages WHERE thread_id = $1 ORDER BY created_at ASC`

	rows, err := p.Pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}

	return messages, nil
}
