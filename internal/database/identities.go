package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Identity binds a DID to its last-known nick and resolved handle.
type Identity struct {
	DID    string
	Nick   string
	Handle string
}

// SaveIdentity upserts a DID's current nick binding.
func (db *DB) SaveIdentity(ctx context.Context, did, nick string) error {
	_, err := db.Conn.ExecContext(ctx, `
		INSERT INTO identities (did, nick) VALUES (?, ?)
		ON CONFLICT(did) DO UPDATE SET nick=excluded.nick, updated_at=datetime('now')`,
		did, nick)
	if err != nil {
		return fmt.Errorf("database: saving identity %s: %w", did, err)
	}
	return nil
}

// LoadIdentities returns all known DID-nick bindings, for startup nick
// reservation.
func (db *DB) LoadIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := db.Conn.QueryContext(ctx, `SELECT did, nick, COALESCE(handle, '') FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("database: loading identities: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.DID, &id.Nick, &id.Handle); err != nil {
			return nil, fmt.Errorf("database: scanning identity row: %w", err)
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

// GetIdentityByNick looks up the DID currently bound to a nick.
func (db *DB) GetIdentityByNick(ctx context.Context, nick string) (*Identity, error) {
	row := db.Conn.QueryRowContext(ctx, `SELECT did, nick, COALESCE(handle, '') FROM identities WHERE nick = ?`, nick)
	var id Identity
	if err := row.Scan(&id.DID, &id.Nick, &id.Handle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("database: looking up identity by nick %s: %w", nick, err)
	}
	return &id, nil
}

// NickOwnerDID returns the DID bound to nick, or "" if no binding exists.
func (db *DB) NickOwnerDID(ctx context.Context, nick string) (string, error) {
	id, err := db.GetIdentityByNick(ctx, nick)
	if errors.Is(err, errNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.DID, nil
}

// GetIdentityByDID looks up the nick currently bound to a DID.
func (db *DB) GetIdentityByDID(ctx context.Context, did string) (*Identity, error) {
	row := db.Conn.QueryRowContext(ctx, `SELECT did, nick, COALESCE(handle, '') FROM identities WHERE did = ?`, did)
	var id Identity
	if err := row.Scan(&id.DID, &id.Nick, &id.Handle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("database: looking up identity by did %s: %w", did, err)
	}
	return &id, nil
}
