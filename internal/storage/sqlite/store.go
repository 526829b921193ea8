// Package sqlite implements the storage contract on a single SQLite file,
// the durable backend. Event append and key-state replacement run in one
// transaction.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs/go-cid"
	_ "modernc.org/sqlite"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/keystate"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed EventStore.
type Store struct {
	db     *sql.DB
	dbPath string
}

var _ storage.EventStore = (*Store)(nil)

// Open opens (or creates) the database under basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "keld.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DBPath() string { return s.dbPath }

func (s *Store) GetKeyState(ctx context.Context, id event.Identifier) (*keystate.KeyState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM key_states WHERE identifier = ?`,
		id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st keystate.KeyState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode key state for %q: %w", id, err)
	}
	return &st, nil
}

func (s *Store) GetEvent(ctx context.Context, id event.Identifier, sn uint64) (*event.SignedEvent, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT message FROM events WHERE identifier = ? AND sn = ?`,
		id.String(), int64(sn)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg event.SignedEvent
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode event %q sn %d: %w", id, sn, err)
	}
	return &msg, nil
}

func (s *Store) AppendEvent(ctx context.Context, msg *event.SignedEvent, st *keystate.KeyState) error {
	digest, err := msg.Digest()
	if err != nil {
		return err
	}
	rawEvent, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	rawState, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode key state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	id, sn := msg.Event.Identifier, msg.Event.SN

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (identifier, sn, digest, message, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id.String(), int64(sn), digest.String(), string(rawEvent), now); err != nil {
		return fmt.Errorf("append %q sn %d: %w", id, sn, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO key_states (identifier, sn, state, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET
		   sn = excluded.sn, state = excluded.state, updated_at = excluded.updated_at`,
		id.String(), int64(sn), string(rawState), now); err != nil {
		return fmt.Errorf("replace key state for %q: %w", id, err)
	}

	for _, seal := range msg.Event.Seals {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seals (delegator, seal_identifier, seal_sn, seal_digest)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			id.String(), seal.Identifier.String(), int64(seal.SN), seal.Digest.String()); err != nil {
			return fmt.Errorf("index seal: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) KeyEventLog(ctx context.Context, id event.Identifier) ([]*event.SignedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message FROM events WHERE identifier = ? ORDER BY sn`,
		id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.SignedEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg event.SignedEvent
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode event for %q: %w", id, err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *Store) Identifiers(ctx context.Context) ([]event.Identifier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identifier FROM key_states ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Identifier
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, event.Identifier(id))
	}
	return out, rows.Err()
}

func (s *Store) AddReceipt(ctx context.Context, body event.Receipt, couplet event.WitnessReceipt) error {
	raw, err := json.Marshal(storage.ReceiptRecord{Body: body, Couplet: couplet})
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (identifier, sn, digest, witness, record)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		body.Identifier.String(), int64(body.SN), body.EventDigest.String(),
		couplet.Witness.String(), string(raw))
	return err
}

func (s *Store) Receipts(ctx context.Context, id event.Identifier, sn uint64) ([]storage.ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM receipts WHERE identifier = ? AND sn = ? ORDER BY witness`,
		id.String(), int64(sn))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ReceiptRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec storage.ReceiptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode receipt for %q sn %d: %w", id, sn, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AddTransferableReceipt(ctx context.Context, r *event.TransferableReceipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode transferable receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transferable_receipts (identifier, sn, signer, signer_sn, record)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT DO UPDATE SET record = excluded.record`,
		r.Body.Identifier.String(), int64(r.Body.SN),
		r.SignerSeal.Identifier.String(), int64(r.SignerSeal.SN), string(raw))
	return err
}

func (s *Store) TransferableReceipts(ctx context.Context, id event.Identifier, sn uint64) ([]*event.TransferableReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM transferable_receipts WHERE identifier = ? AND sn = ? ORDER BY signer`,
		id.String(), int64(sn))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.TransferableReceipt
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec event.TransferableReceipt
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode transferable receipt for %q sn %d: %w", id, sn, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) HasSeal(ctx context.Context, delegator event.Identifier, seal event.Seal) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seals
		 WHERE delegator = ? AND seal_identifier = ? AND seal_sn = ? AND seal_digest = ?`,
		delegator.String(), seal.Identifier.String(), int64(seal.SN), seal.Digest.String()).
		Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) EscrowInsert(ctx context.Context, reason storage.EscrowReason, msg *event.SignedEvent) error {
	digest, err := msg.Digest()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode escrow entry: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO escrows (reason, identifier, sn, digest, message, escrowed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(reason, identifier, sn, digest) DO UPDATE SET message = excluded.message`,
		string(reason), msg.Event.Identifier.String(), int64(msg.Event.SN),
		digest.String(), string(raw), now)
	return err
}

func (s *Store) EscrowList(ctx context.Context, reason storage.EscrowReason, id event.Identifier, sn uint64) ([]*event.SignedEvent, error) {
	return s.escrowQuery(ctx,
		`SELECT message FROM escrows WHERE reason = ? AND identifier = ? AND sn = ? ORDER BY digest`,
		string(reason), id.String(), int64(sn))
}

func (s *Store) EscrowAll(ctx context.Context, reason storage.EscrowReason) ([]*event.SignedEvent, error) {
	return s.escrowQuery(ctx,
		`SELECT message FROM escrows WHERE reason = ? ORDER BY identifier, sn, digest`,
		string(reason))
}

func (s *Store) escrowQuery(ctx context.Context, query string, args ...any) ([]*event.SignedEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.SignedEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg event.SignedEvent
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode escrow entry: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *Store) EscrowRemove(ctx context.Context, reason storage.EscrowReason, id event.Identifier, sn uint64, digest cid.Cid) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM escrows WHERE reason = ? AND identifier = ? AND sn = ? AND digest = ?`,
		string(reason), id.String(), int64(sn), digest.String())
	return err
}
