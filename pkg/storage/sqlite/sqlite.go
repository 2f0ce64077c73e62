package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/dev-adhiraj/be-better/pkg/storage"
)

const (
	prefLastChain   = "lastChain"
	prefLastAccount = "lastAccount"
)

// Store is the default durable store, a single sqlite file.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS accounts (
  address       TEXT PRIMARY KEY,
  display_name  TEXT NOT NULL DEFAULT '',
  encrypted_key BLOB NOT NULL,
  pinned        INTEGER NOT NULL DEFAULT 0,
  hidden        INTEGER NOT NULL DEFAULT 0,
  imported      INTEGER NOT NULL DEFAULT 0,
  created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chains (
  hex                TEXT PRIMARY KEY,
  name               TEXT NOT NULL,
  ticker             TEXT NOT NULL,
  rpc_url            TEXT NOT NULL,
  block_explorer_url TEXT NOT NULL DEFAULT '',
  user_added         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS origin_approvals (
  origin        TEXT PRIMARY KEY,
  account       TEXT NULL,
  ts            INTEGER NOT NULL,
  approval_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_requests (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL,
  origin     TEXT NOT NULL,
  method     TEXT NOT NULL,
  payload    TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
  hash       TEXT PRIMARY KEY,
  from_addr  TEXT NOT NULL,
  to_addr    TEXT NOT NULL DEFAULT '',
  value      TEXT NOT NULL DEFAULT '0',
  chain_hex  TEXT NOT NULL,
  chain_name TEXT NOT NULL DEFAULT '',
  amount     TEXT NOT NULL DEFAULT '',
  status     TEXT NOT NULL,
  origin     TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_from_idx ON transactions(from_addr, created_at DESC);

CREATE TABLE IF NOT EXISTS user_prefs (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// accounts

func (s *Store) ListAccounts(ctx context.Context) ([]storage.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT address, display_name, encrypted_key, pinned, hidden, imported, created_at
FROM accounts ORDER BY created_at ASC, address ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Account
	for rows.Next() {
		var (
			a       storage.Account
			addr    string
			created int64
		)
		if err := rows.Scan(&addr, &a.DisplayName, &a.EncryptedKey, &a.Pinned, &a.Hidden, &a.Imported, &created); err != nil {
			return nil, err
		}
		a.Address = common.HexToAddress(addr)
		a.CreatedAt = time.UnixMilli(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetEncryptedKey(ctx context.Context, address common.Address) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `SELECT encrypted_key FROM accounts WHERE address = ?`, address.Hex()).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return key, err
}

func (s *Store) PutAccount(ctx context.Context, a storage.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(address, display_name, encrypted_key, pinned, hidden, imported, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(address) DO UPDATE SET
  display_name  = excluded.display_name,
  encrypted_key = excluded.encrypted_key,
  pinned        = excluded.pinned,
  hidden        = excluded.hidden,
  imported      = excluded.imported`,
		a.Address.Hex(), a.DisplayName, a.EncryptedKey, a.Pinned, a.Hidden, a.Imported, a.CreatedAt.UnixMilli())
	return err
}

func (s *Store) LastUsedAccount(ctx context.Context) (common.Address, error) {
	v, err := s.getPref(ctx, prefLastAccount)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(v), nil
}

func (s *Store) SetLastUsedAccount(ctx context.Context, address common.Address) error {
	return s.setPref(ctx, prefLastAccount, address.Hex())
}

// chains

func (s *Store) GetChain(ctx context.Context, hex string) (storage.Chain, error) {
	var c storage.Chain
	err := s.db.QueryRowContext(ctx, `
SELECT hex, name, ticker, rpc_url, block_explorer_url, user_added FROM chains WHERE hex = ?`,
		storage.NormalizeHex(hex)).Scan(&c.Hex, &c.Name, &c.Ticker, &c.RPCURL, &c.BlockExplorerURL, &c.UserAdded)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Chain{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) PutChain(ctx context.Context, chain storage.Chain) error {
	if storage.NormalizeHex(chain.Hex) == "" {
		return fmt.Errorf("chain hex is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing storage.Chain
	err = tx.QueryRowContext(ctx, `
SELECT hex, name, ticker, rpc_url, block_explorer_url, user_added FROM chains WHERE hex = ?`,
		storage.NormalizeHex(chain.Hex)).Scan(&existing.Hex, &existing.Name, &existing.Ticker, &existing.RPCURL, &existing.BlockExplorerURL, &existing.UserAdded)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	merged := storage.MergeChain(existing, chain)

	_, err = tx.ExecContext(ctx, `
INSERT INTO chains(hex, name, ticker, rpc_url, block_explorer_url, user_added)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(hex) DO UPDATE SET
  name = excluded.name,
  ticker = excluded.ticker,
  rpc_url = excluded.rpc_url,
  block_explorer_url = excluded.block_explorer_url,
  user_added = excluded.user_added`,
		merged.Hex, merged.Name, merged.Ticker, merged.RPCURL, merged.BlockExplorerURL, merged.UserAdded)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListChains(ctx context.Context) ([]storage.Chain, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT hex, name, ticker, rpc_url, block_explorer_url, user_added FROM chains ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Chain
	for rows.Next() {
		var c storage.Chain
		if err := rows.Scan(&c.Hex, &c.Name, &c.Ticker, &c.RPCURL, &c.BlockExplorerURL, &c.UserAdded); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ActiveChain(ctx context.Context) (string, error) {
	return s.getPref(ctx, prefLastChain)
}

func (s *Store) SetActiveChain(ctx context.Context, hex string) error {
	return s.setPref(ctx, prefLastChain, storage.NormalizeHex(hex))
}

// origin approvals

func (s *Store) GetApproval(ctx context.Context, origin string) (storage.OriginApproval, error) {
	var (
		a       storage.OriginApproval
		account sql.NullString
		typ     string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT origin, account, ts, approval_type FROM origin_approvals WHERE origin = ?`, origin).
		Scan(&a.Origin, &account, &a.Timestamp, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OriginApproval{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.OriginApproval{}, err
	}
	a.Type = storage.ApprovalType(typ)
	if account.Valid && account.String != "" {
		addr := common.HexToAddress(account.String)
		a.Account = &addr
	}
	return a, nil
}

func (s *Store) PutApproval(ctx context.Context, a storage.OriginApproval) error {
	var account any
	if a.Account != nil {
		account = a.Account.Hex()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO origin_approvals(origin, account, ts, approval_type) VALUES (?, ?, ?, ?)
ON CONFLICT(origin) DO UPDATE SET
  account = excluded.account,
  ts = excluded.ts,
  approval_type = excluded.approval_type`,
		a.Origin, account, a.Timestamp, string(a.Type))
	return err
}

func (s *Store) DeleteApproval(ctx context.Context, origin string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM origin_approvals WHERE origin = ?`, origin)
	return err
}

func (s *Store) ListApprovals(ctx context.Context) ([]storage.OriginApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT origin, account, ts, approval_type FROM origin_approvals ORDER BY ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.OriginApproval
	for rows.Next() {
		var (
			a       storage.OriginApproval
			account sql.NullString
			typ     string
		)
		if err := rows.Scan(&a.Origin, &account, &a.Timestamp, &typ); err != nil {
			return nil, err
		}
		a.Type = storage.ApprovalType(typ)
		if account.Valid && account.String != "" {
			addr := common.HexToAddress(account.String)
			a.Account = &addr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// pending mirror

func (s *Store) PutPending(ctx context.Context, rec storage.PendingRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_requests(id, kind, origin, method, payload, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  kind = excluded.kind,
  origin = excluded.origin,
  method = excluded.method,
  payload = excluded.payload,
  expires_at = excluded.expires_at`,
		rec.ID, rec.Kind, rec.Origin, rec.Method, string(rec.Payload), rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	return err
}

func (s *Store) GetPending(ctx context.Context, id string) (storage.PendingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, origin, method, payload, created_at, expires_at FROM pending_requests WHERE id = ?`, id)
	rec, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PendingRecord{}, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) DeletePending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE id = ?`, id)
	return err
}

func (s *Store) ListPending(ctx context.Context) ([]storage.PendingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, origin, method, payload, created_at, expires_at FROM pending_requests ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.PendingRecord
	for rows.Next() {
		rec, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredPending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE expires_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner) (storage.PendingRecord, error) {
	var (
		rec              storage.PendingRecord
		payload          string
		created, expires int64
	)
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Origin, &rec.Method, &payload, &created, &expires); err != nil {
		return storage.PendingRecord{}, err
	}
	rec.Payload = []byte(payload)
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpiresAt = time.UnixMilli(expires)
	return rec, nil
}

// transactions

func (s *Store) RecordTransaction(ctx context.Context, rec storage.TxRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transactions(hash, from_addr, to_addr, value, chain_hex, chain_name, amount, status, origin, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET status = excluded.status`,
		rec.Hash, rec.From, rec.To, rec.Value, rec.ChainHex, rec.ChainName, rec.Amount, string(rec.Status), rec.Origin, rec.CreatedAt.UnixMilli())
	return err
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, hash string, status storage.TxStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET status = ? WHERE hash = ?`, string(status), hash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, address common.Address) ([]storage.TxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT hash, from_addr, to_addr, value, chain_hex, chain_name, amount, status, origin, created_at
FROM transactions WHERE from_addr = ? ORDER BY created_at DESC`, address.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TxRecord
	for rows.Next() {
		var (
			r       storage.TxRecord
			status  string
			created int64
		)
		if err := rows.Scan(&r.Hash, &r.From, &r.To, &r.Value, &r.ChainHex, &r.ChainName, &r.Amount, &status, &r.Origin, &created); err != nil {
			return nil, err
		}
		r.Status = storage.TxStatus(status)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// user prefs

func (s *Store) getPref(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM user_prefs WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	return v, err
}

func (s *Store) setPref(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_prefs(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
