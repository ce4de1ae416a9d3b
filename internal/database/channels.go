package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freeq-dev/freeqd/internal/models"
)

// defaultMaxHistory bounds the in-memory recent-history ring kept on a
// reconstructed Channel; the database itself is the durable history.
const defaultMaxHistory = 200

// SaveChannel upserts a channel's persisted metadata: topic, modes, key
// hash, founder DID, and DID-bound operator grants. Runtime-only state
// (members, voiced, invite lists) never touches the database.
func (db *DB) SaveChannel(ctx context.Context, ch *models.Channel) error {
	ch.Mu.RLock()
	defer ch.Mu.RUnlock()

	var topicText, topicSetBy, topicSetAt sql.NullString
	if ch.CurrentTopic != nil {
		topicText = sql.NullString{String: ch.CurrentTopic.Text, Valid: true}
		topicSetBy = sql.NullString{String: ch.CurrentTopic.SetBy, Valid: true}
		topicSetAt = sql.NullString{String: ch.CurrentTopic.SetAt.UTC().Format(time.RFC3339), Valid: true}
	}

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: beginning channel save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (name, topic_text, topic_set_by, topic_set_at, invite_only, topic_locked, no_ext_msg, moderated, key_hash, founder_did)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			topic_text=excluded.topic_text, topic_set_by=excluded.topic_set_by, topic_set_at=excluded.topic_set_at,
			invite_only=excluded.invite_only, topic_locked=excluded.topic_locked, no_ext_msg=excluded.no_ext_msg,
			moderated=excluded.moderated, key_hash=excluded.key_hash, founder_did=excluded.founder_did`,
		ch.Name, topicText, topicSetBy, topicSetAt,
		ch.Modes.InviteOnly, ch.Modes.TopicLocked, ch.Modes.NoExtMsg, ch.Modes.Moderated,
		nullableString(ch.Modes.Key), nullableString(ch.FounderDID))
	if err != nil {
		return fmt.Errorf("database: saving channel %s: %w", ch.Name, err)
	}

	for did := range ch.DIDOps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO channel_did_ops (channel_name, did) VALUES (?, ?)`, ch.Name, did); err != nil {
			return fmt.Errorf("database: saving did op %s for %s: %w", did, ch.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: committing channel save: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel's persisted metadata and bans, called
// once a channel empties out and its in-memory state is torn down.
func (db *DB) DeleteChannel(ctx context.Context, name string) error {
	if _, err := db.Conn.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, name); err != nil {
		return fmt.Errorf("database: deleting channel %s: %w", name, err)
	}
	return nil
}

// LoadChannels reconstructs persisted channel metadata and bans at startup.
// Membership, ops, and voice are runtime-only and rebuilt as clients join.
func (db *DB) LoadChannels(ctx context.Context) (map[string]*models.Channel, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT name, topic_text, topic_set_by, topic_set_at, invite_only, topic_locked, no_ext_msg, moderated, key_hash, founder_did
		FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("database: loading channels: %w", err)
	}
	defer rows.Close()

	channels := make(map[string]*models.Channel)
	for rows.Next() {
		var name string
		var topicText, topicSetBy, topicSetAt, keyHash, founderDID sql.NullString
		var inviteOnly, topicLocked, noExtMsg, moderated bool
		if err := rows.Scan(&name, &topicText, &topicSetBy, &topicSetAt, &inviteOnly, &topicLocked, &noExtMsg, &moderated, &keyHash, &founderDID); err != nil {
			return nil, fmt.Errorf("database: scanning channel row: %w", err)
		}
		ch := models.NewChannel(name, defaultMaxHistory)
		ch.Modes.InviteOnly = inviteOnly
		ch.Modes.TopicLocked = topicLocked
		ch.Modes.NoExtMsg = noExtMsg
		ch.Modes.Moderated = moderated
		if keyHash.Valid {
			ch.Modes.Key = keyHash.String
		}
		if founderDID.Valid {
			ch.FounderDID = founderDID.String
		}
		if topicText.Valid && topicSetBy.Valid && topicSetAt.Valid {
			setAt, err := time.Parse(time.RFC3339, topicSetAt.String)
			if err != nil {
				return nil, fmt.Errorf("database: parsing topic timestamp for %s: %w", name, err)
			}
			ch.CurrentTopic = &models.Topic{Text: topicText.String, SetBy: topicSetBy.String, SetAt: setAt}
		}
		channels[name] = ch
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: iterating channels: %w", err)
	}

	if err := db.loadDIDOps(ctx, channels); err != nil {
		return nil, err
	}
	if err := db.loadBans(ctx, channels); err != nil {
		return nil, err
	}
	return channels, nil
}

func (db *DB) loadDIDOps(ctx context.Context, channels map[string]*models.Channel) error {
	rows, err := db.Conn.QueryContext(ctx, `SELECT channel_name, did FROM channel_did_ops`)
	if err != nil {
		return fmt.Errorf("database: loading channel DID ops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var channel, did string
		if err := rows.Scan(&channel, &did); err != nil {
			return fmt.Errorf("database: scanning DID op row: %w", err)
		}
		if ch, ok := channels[channel]; ok {
			ch.DIDOps[did] = true
		}
	}
	return rows.Err()
}

func (db *DB) loadBans(ctx context.Context, channels map[string]*models.Channel) error {
	rows, err := db.Conn.QueryContext(ctx, `SELECT channel_name, mask, set_by, set_at FROM bans`)
	if err != nil {
		return fmt.Errorf("database: loading bans: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var channel, mask, setBy, setAt string
		if err := rows.Scan(&channel, &mask, &setBy, &setAt); err != nil {
			return fmt.Errorf("database: scanning ban row: %w", err)
		}
		ch, ok := channels[channel]
		if !ok {
			continue
		}
		setAtTime, err := time.Parse(time.RFC3339, setAt)
		if err != nil {
			return fmt.Errorf("database: parsing ban timestamp: %w", err)
		}
		ch.Bans = append(ch.Bans, models.Ban{Mask: mask, SetBy: setBy, SetAt: setAtTime})
	}
	return rows.Err()
}

// AddBan persists a ban mask for a channel, ignoring duplicates.
func (db *DB) AddBan(ctx context.Context, channel string, ban models.Ban) error {
	_, err := db.Conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO bans (channel_name, mask, set_by, set_at) VALUES (?, ?, ?, ?)`,
		channel, ban.Mask, ban.SetBy, ban.SetAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("database: adding ban %s on %s: %w", ban.Mask, channel, err)
	}
	return nil
}

// RemoveBan deletes a ban mask from a channel.
func (db *DB) RemoveBan(ctx context.Context, channel, mask string) error {
	_, err := db.Conn.ExecContext(ctx, `DELETE FROM bans WHERE channel_name = ? AND mask = ?`, channel, mask)
	if err != nil {
		return fmt.Errorf("database: removing ban %s on %s: %w", mask, channel, err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalTags(tags map[string]string) (string, error) {
	if tags == nil {
		return "{}", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTags(raw string) map[string]string {
	var tags map[string]string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return map[string]string{}
	}
	return tags
}

var errNotFound = errors.New("database: not found")
