package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/freeq-dev/freeqd/internal/models"
)

// InsertMessage stores a channel message, applying at-rest encryption to
// its text when the database was opened with an encryption key.
func (db *DB) InsertMessage(ctx context.Context, m *models.MessageRecord) error {
	tagsJSON, err := marshalTags(m.Tags)
	if err != nil {
		return fmt.Errorf("database: encoding message tags: %w", err)
	}
	storedText := encryptAtRest(db.EncryptionKey, m.Text)

	_, err = db.Conn.ExecContext(ctx, `
		INSERT INTO messages (msgid, channel_name, sender_hostmask, text, tags, timestamp, replaces_msgid)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.MsgID, m.Channel, m.SenderHost, storedText, tagsJSON,
		m.Timestamp.UTC().Format(time.RFC3339Nano), nullableString(m.ReplacesMsgID))
	if err != nil {
		return fmt.Errorf("database: inserting message %s: %w", m.MsgID, err)
	}
	return nil
}

// GetMessages returns the most recent non-deleted messages for a channel,
// oldest first, optionally only those before a given time (for pagination).
func (db *DB) GetMessages(ctx context.Context, channel string, limit int, before *time.Time) ([]*models.MessageRecord, error) {
	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = db.Conn.QueryContext(ctx, `
			SELECT msgid, channel_name, sender_hostmask, text, tags, timestamp, replaces_msgid, deleted_at
			FROM messages WHERE channel_name = ? AND deleted_at IS NULL AND timestamp < ?
			ORDER BY timestamp DESC LIMIT ?`,
			channel, before.UTC().Format(time.RFC3339Nano), limit)
	} else {
		rows, err = db.Conn.QueryContext(ctx, `
			SELECT msgid, channel_name, sender_hostmask, text, tags, timestamp, replaces_msgid, deleted_at
			FROM messages WHERE channel_name = ? AND deleted_at IS NULL
			ORDER BY timestamp DESC LIMIT ?`,
			channel, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("database: querying messages for %s: %w", channel, err)
	}
	defer rows.Close()

	records, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(records)
	db.decryptMessages(records)
	return records, nil
}

// GetMessagesAfter returns non-deleted messages after a time, oldest first.
func (db *DB) GetMessagesAfter(ctx context.Context, channel string, after time.Time, limit int) ([]*models.MessageRecord, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT msgid, channel_name, sender_hostmask, text, tags, timestamp, replaces_msgid, deleted_at
		FROM messages WHERE channel_name = ? AND deleted_at IS NULL AND timestamp > ?
		ORDER BY timestamp ASC LIMIT ?`,
		channel, after.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("database: querying messages after for %s: %w", channel, err)
	}
	defer rows.Close()

	records, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}
	db.decryptMessages(records)
	return records, nil
}

// GetMessagesBetween returns non-deleted messages between two times
// inclusive, oldest first.
func (db *DB) GetMessagesBetween(ctx context.Context, channel string, after, before time.Time, limit int) ([]*models.MessageRecord, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT msgid, channel_name, sender_hostmask, text, tags, timestamp, replaces_msgid, deleted_at
		FROM messages WHERE channel_name = ? AND deleted_at IS NULL AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC LIMIT ?`,
		channel, after.UTC().Format(time.RFC3339Nano), before.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("database: querying messages between for %s: %w", channel, err)
	}
	defer rows.Close()

	records, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}
	db.decryptMessages(records)
	return records, nil
}

// PruneMessages deletes all but the maxKeep most recent messages of a
// channel, keyed on timestamp.
func (db *DB) PruneMessages(ctx context.Context, channel string, maxKeep int) error {
	_, err := db.Conn.ExecContext(ctx, `
		DELETE FROM messages WHERE channel_name = ? AND msgid NOT IN (
			SELECT msgid FROM messages WHERE channel_name = ? ORDER BY timestamp DESC LIMIT ?
		)`, channel, channel, maxKeep)
	if err != nil {
		return fmt.Errorf("database: pruning messages for %s: %w", channel, err)
	}
	return nil
}

// GetMessageByMsgID looks up a single message by its msgid, for authorship
// checks (edit/delete) and draft/chathistory TARGETS lookups.
func (db *DB) GetMessageByMsgID(ctx context.Context, channel, msgid string) (*models.MessageRecord, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT msgid, channel_name, sender_hostmask, text, tags, timestamp, replaces_msgid, deleted_at
		FROM messages WHERE channel_name = ? AND msgid = ?`, channel, msgid)
	if err != nil {
		return nil, fmt.Errorf("database: querying message %s: %w", msgid, err)
	}
	defer rows.Close()

	records, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errNotFound
	}
	db.decryptMessages(records)
	return records[0], nil
}

// SoftDeleteMessage marks a message deleted in place, preserving its row
// for moderation audit rather than removing it outright.
func (db *DB) SoftDeleteMessage(ctx context.Context, channel, msgid string) (int64, error) {
	res, err := db.Conn.ExecContext(ctx, `
		UPDATE messages SET deleted_at = ? WHERE channel_name = ? AND msgid = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), channel, msgid)
	if err != nil {
		return 0, fmt.Errorf("database: soft-deleting message %s: %w", msgid, err)
	}
	return res.RowsAffected()
}

// InsertEdit stores a new message record that supersedes an earlier one via
// ReplacesMsgID; the superseded row is left untouched for history.
func (db *DB) InsertEdit(ctx context.Context, m *models.MessageRecord) error {
	if m.ReplacesMsgID == "" {
		return fmt.Errorf("database: InsertEdit requires ReplacesMsgID")
	}
	return db.InsertMessage(ctx, m)
}

func scanMessageRows(rows *sql.Rows) ([]*models.MessageRecord, error) {
	var records []*models.MessageRecord
	for rows.Next() {
		var m models.MessageRecord
		var tagsJSON string
		var timestampStr string
		var replacesMsgID, deletedAt sql.NullString
		if err := rows.Scan(&m.MsgID, &m.Channel, &m.SenderHost, &m.Text, &tagsJSON, &timestampStr, &replacesMsgID, &deletedAt); err != nil {
			return nil, fmt.Errorf("database: scanning message row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("database: parsing message timestamp: %w", err)
		}
		m.Timestamp = ts
		m.Tags = unmarshalTags(tagsJSON)
		if replacesMsgID.Valid {
			m.ReplacesMsgID = replacesMsgID.String
		}
		if deletedAt.Valid {
			parsed, err := time.Parse(time.RFC3339Nano, deletedAt.String)
			if err != nil {
				return nil, fmt.Errorf("database: parsing deleted_at: %w", err)
			}
			m.DeletedAt = &parsed
		}
		records = append(records, &m)
	}
	return records, rows.Err()
}

func (db *DB) decryptMessages(records []*models.MessageRecord) {
	if db.EncryptionKey == nil {
		return
	}
	for _, m := range records {
		m.Text = decryptAtRest(db.EncryptionKey, m.Text)
	}
}

func reverseMessages(records []*models.MessageRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
