package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RichardoC/listing-designer/internal/models"
)

// SaveMessage appends msg to its thread's history and fills in ID and
// CreatedAt. History is append-only: nothing here rewrites a message.
func (db *Database) SaveMessage(ctx context.Context, msg *models.Message) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, db.rebind(`SELECT 1 FROM threads WHERE id = ?`), msg.ThreadID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("thread %s: %w", msg.ThreadID, models.ErrNotFound)
	}
	if err != nil {
		return err
	}

	msg.CreatedAt = db.now()
	query := `
        INSERT INTO messages (thread_id, role, content, created_at)
        VALUES (?, ?, ?, ?)
        RETURNING id`
	if err := tx.QueryRowContext(ctx, db.rebind(query), msg.ThreadID, msg.Role, msg.Content, msg.CreatedAt).Scan(&msg.ID); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return tx.Commit()
}

// GetConversationHistory returns the last limit messages of a thread in
// arrival order. A limit of zero or less returns the whole history.
func (db *Database) GetConversationHistory(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	query := `
        SELECT id, thread_id, role, content, created_at
        FROM messages
        WHERE thread_id = ?
        ORDER BY id DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return []models.Message{}, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return []models.Message{}, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return []models.Message{}, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
