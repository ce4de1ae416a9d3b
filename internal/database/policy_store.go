package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freeq-dev/freeqd/internal/policy"
)

// PolicyStore adapts DB to the policy.Store interface the join engine
// requires, storing each document as its own JSON blob behind a narrow,
// content-addressed key — the same "document tables keyed by hash" shape
// the teacher uses for its JSONB columns, minus the JSONB operators SQLite
// doesn't have.
type PolicyStore struct {
	db  *DB
	ctx context.Context
}

// Policy returns a policy.Store bound to ctx for use by internal/policy.
func (db *DB) Policy(ctx context.Context) *PolicyStore {
	return &PolicyStore{db: db, ctx: ctx}
}

var _ policy.Store = (*PolicyStore)(nil)

// PolicyStore returns a policy.Store-typed view of Policy(ctx), for callers
// that depend only on the policy package's storage interface.
func (db *DB) PolicyStore(ctx context.Context) policy.Store {
	return db.Policy(ctx)
}

func (s *PolicyStore) ActivePolicy(channelID string) (*policy.PolicyDocument, error) {
	row := s.db.Conn.QueryRowContext(s.ctx, `
		SELECT document FROM policies WHERE channel_name = ?
		ORDER BY version DESC LIMIT 1`, channelID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("database: loading active policy for %s: %w", channelID, err)
	}
	var parsed policy.PolicyDocument
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("database: decoding policy document: %w", err)
	}
	return &parsed, nil
}

func (s *PolicyStore) AuthoritySet(hash string) (*policy.AuthoritySet, error) {
	row := s.db.Conn.QueryRowContext(s.ctx, `SELECT document FROM authority_sets WHERE authority_set_hash = ?`, hash)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("database: loading authority set %s: %w", hash, err)
	}
	var parsed policy.AuthoritySet
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("database: decoding authority set: %w", err)
	}
	return &parsed, nil
}

func (s *PolicyStore) LatestAttestation(channelID, subjectDID string) (*policy.MembershipAttestation, error) {
	row := s.db.Conn.QueryRowContext(s.ctx, `
		SELECT document FROM membership_attestations
		WHERE channel_name = ? AND subject_did = ?
		ORDER BY issued_at DESC LIMIT 1`, channelID, subjectDID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("database: loading latest attestation: %w", err)
	}
	var parsed policy.MembershipAttestation
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("database: decoding attestation: %w", err)
	}
	return &parsed, nil
}

func (s *PolicyStore) SaveJoinReceipt(r *policy.JoinReceipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("database: encoding join receipt: %w", err)
	}
	_, err = s.db.Conn.ExecContext(s.ctx, `
		INSERT OR REPLACE INTO join_receipts (join_id, channel_name, policy_id, subject_did, document)
		VALUES (?, ?, ?, ?, ?)`,
		r.JoinID, r.ChannelID, r.PolicyID, r.SubjectDID, string(doc))
	if err != nil {
		return fmt.Errorf("database: saving join receipt: %w", err)
	}
	return nil
}

func (s *PolicyStore) SaveAttestation(a *policy.MembershipAttestation) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("database: encoding attestation: %w", err)
	}
	var expiresAt any
	if a.ExpiresAt != nil {
		expiresAt = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err = s.db.Conn.ExecContext(s.ctx, `
		INSERT OR REPLACE INTO membership_attestations
			(attestation_id, channel_name, policy_id, subject_did, document, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AttestationID, a.ChannelID, a.PolicyID, a.SubjectDID, string(doc),
		a.IssuedAt.UTC().Format(time.RFC3339), expiresAt)
	if err != nil {
		return fmt.Errorf("database: saving attestation: %w", err)
	}
	return nil
}

func (s *PolicyStore) AppendTransparencyLog(e *policy.TransparencyLogEntry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("database: encoding transparency log entry: %w", err)
	}
	_, err = s.db.Conn.ExecContext(s.ctx, `
		INSERT INTO transparency_log (channel_name, document, issued_at)
		VALUES (?, ?, ?)`,
		e.ChannelID, string(doc), e.IssuedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("database: appending transparency log entry: %w", err)
	}
	return nil
}

// SavePolicy persists a new policy version, keyed by its content-addressed
// PolicyID, for ActivePolicy to later pick up as the highest version on
// record.
func (db *DB) SavePolicy(ctx context.Context, doc *policy.PolicyDocument) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("database: encoding policy document: %w", err)
	}
	_, err = db.Conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO policies (policy_id, channel_name, version, document, effective_at)
		VALUES (?, ?, ?, ?, ?)`,
		doc.PolicyID, doc.ChannelID, doc.Version, string(encoded), doc.EffectiveAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("database: saving policy document: %w", err)
	}
	return nil
}

// SaveAuthoritySet persists an authority set keyed by its content-addressed
// hash.
func (db *DB) SaveAuthoritySet(ctx context.Context, set *policy.AuthoritySet) error {
	encoded, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("database: encoding authority set: %w", err)
	}
	_, err = db.Conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO authority_sets (authority_set_hash, channel_name, document)
		VALUES (?, ?, ?)`,
		set.AuthoritySetHash, set.ChannelID, string(encoded))
	if err != nil {
		return fmt.Errorf("database: saving authority set: %w", err)
	}
	return nil
}

// PolicyHistory returns every policy version recorded for channelID,
// oldest first, for the policy history API endpoint.
func (db *DB) PolicyHistory(ctx context.Context, channelID string) ([]*policy.PolicyDocument, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT document FROM policies WHERE channel_name = ? ORDER BY version ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("database: loading policy history for %s: %w", channelID, err)
	}
	defer rows.Close()

	var docs []*policy.PolicyDocument
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("database: scanning policy history row: %w", err)
		}
		var parsed policy.PolicyDocument
		if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
			return nil, fmt.Errorf("database: decoding policy history entry: %w", err)
		}
		docs = append(docs, &parsed)
	}
	return docs, rows.Err()
}

// TransparencyLog returns every transparency log entry recorded for
// channelID, oldest first, for the transparency log API endpoint.
func (db *DB) TransparencyLog(ctx context.Context, channelID string) ([]*policy.TransparencyLogEntry, error) {
	rows, err := db.Conn.QueryContext(ctx, `
		SELECT document FROM transparency_log WHERE channel_name = ? ORDER BY id ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("database: loading transparency log for %s: %w", channelID, err)
	}
	defer rows.Close()

	var entries []*policy.TransparencyLogEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("database: scanning transparency log row: %w", err)
		}
		var parsed policy.TransparencyLogEntry
		if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
			return nil, fmt.Errorf("database: decoding transparency log entry: %w", err)
		}
		entries = append(entries, &parsed)
	}
	return entries, rows.Err()
}
