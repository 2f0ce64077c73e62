package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dev-adhiraj/be-better/pkg/storage"
)

const opTimeout = 2 * time.Second

const (
	prefLastChain   = "lastChain"
	prefLastAccount = "lastAccount"
)

// Postgres is the shared-database alternative to the sqlite store.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Postgres)(nil)

func New(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool new: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	r := New(pool)
	if err := r.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Postgres) Close() error {
	r.pool.Close()
	return nil
}

func (r *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS accounts (
  address       TEXT PRIMARY KEY,
  display_name  TEXT NOT NULL DEFAULT '',
  encrypted_key BYTEA NOT NULL,
  pinned        BOOLEAN NOT NULL DEFAULT false,
  hidden        BOOLEAN NOT NULL DEFAULT false,
  imported      BOOLEAN NOT NULL DEFAULT false,
  created_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS chains (
  hex                TEXT PRIMARY KEY,
  name               TEXT NOT NULL,
  ticker             TEXT NOT NULL,
  rpc_url            TEXT NOT NULL,
  block_explorer_url TEXT NOT NULL DEFAULT '',
  user_added         BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS origin_approvals (
  origin        TEXT PRIMARY KEY,
  account       TEXT NULL,
  ts            BIGINT NOT NULL,
  approval_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_requests (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL,
  origin     TEXT NOT NULL,
  method     TEXT NOT NULL,
  payload    JSONB NOT NULL,
  created_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
  hash       TEXT PRIMARY KEY,
  from_addr  TEXT NOT NULL,
  to_addr    TEXT NOT NULL DEFAULT '',
  value      NUMERIC(78,0) NOT NULL DEFAULT 0,
  chain_hex  TEXT NOT NULL,
  chain_name TEXT NOT NULL DEFAULT '',
  amount     TEXT NOT NULL DEFAULT '',
  status     TEXT NOT NULL,
  origin     TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_from_idx ON transactions(from_addr, created_at DESC);

CREATE TABLE IF NOT EXISTS user_prefs (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

func (r *Postgres) ListAccounts(ctx context.Context) ([]storage.Account, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(cctx, `
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

func (r *Postgres) GetEncryptedKey(ctx context.Context, address common.Address) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var key []byte
	err := r.pool.QueryRow(cctx, `SELECT encrypted_key FROM accounts WHERE address = $1`, address.Hex()).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return key, err
}

func (r *Postgres) PutAccount(ctx context.Context, a storage.Account) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(cctx, `
INSERT INTO accounts(address, display_name, encrypted_key, pinned, hidden, imported, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(address) DO UPDATE SET
  display_name  = EXCLUDED.display_name,
  encrypted_key = EXCLUDED.encrypted_key,
  pinned        = EXCLUDED.pinned,
  hidden        = EXCLUDED.hidden,
  imported      = EXCLUDED.imported`,
		a.Address.Hex(), a.DisplayName, a.EncryptedKey, a.Pinned, a.Hidden, a.Imported, a.CreatedAt.UnixMilli())
	return err
}

func (r *Postgres) LastUsedAccount(ctx context.Context) (common.Address, error) {
	v, err := r.getPref(ctx, prefLastAccount)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(v), nil
}

func (r *Postgres) SetLastUsedAccount(ctx context.Context, address common.Address) error {
	return r.setPref(ctx, prefLastAccount, address.Hex())
}

const selectChain = `SELECT hex, name, ticker, rpc_url, block_explorer_url, user_added FROM chains`

func (r *Postgres) GetChain(ctx context.Context, hex string) (storage.Chain, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var c storage.Chain
	err := r.pool.QueryRow(cctx, selectChain+` WHERE hex = $1`, storage.NormalizeHex(hex)).
		Scan(&c.Hex, &c.Name, &c.Ticker, &c.RPCURL, &c.BlockExplorerURL, &c.UserAdded)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Chain{}, storage.ErrNotFound
	}
	return c, err
}

func (r *Postgres) PutChain(ctx context.Context, chain storage.Chain) error {
	if storage.NormalizeHex(chain.Hex) == "" {
		return fmt.Errorf("chain hex is required")
	}
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.pool.Begin(cctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(cctx)

	var existing storage.Chain
	err = tx.QueryRow(cctx, selectChain+` WHERE hex = $1 FOR UPDATE`, storage.NormalizeHex(chain.Hex)).
		Scan(&existing.Hex, &existing.Name, &existing.Ticker, &existing.RPCURL, &existing.BlockExplorerURL, &existing.UserAdded)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	merged := storage.MergeChain(existing, chain)

	_, err = tx.Exec(cctx, `
INSERT INTO chains(hex, name, ticker, rpc_url, block_explorer_url, user_added)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT(hex) DO UPDATE SET
  name = EXCLUDED.name,
  ticker = EXCLUDED.ticker,
  rpc_url = EXCLUDED.rpc_url,
  block_explorer_url = EXCLUDED.block_explorer_url,
  user_added = EXCLUDED.user_added`,
		merged.Hex, merged.Name, merged.Ticker, merged.RPCURL, merged.BlockExplorerURL, merged.UserAdded)
	if err != nil {
		return err
	}
	return tx.Commit(cctx)
}

func (r *Postgres) ListChains(ctx context.Context) ([]storage.Chain, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(cctx, selectChain+` ORDER BY name ASC`)
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

func (r *Postgres) ActiveChain(ctx context.Context) (string, error) {
	return r.getPref(ctx, prefLastChain)
}

func (r *Postgres) SetActiveChain(ctx context.Context, hex string) error {
	return r.setPref(ctx, prefLastChain, storage.NormalizeHex(hex))
}

func (r *Postgres) GetApproval(ctx context.Context, origin string) (storage.OriginApproval, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		a       storage.OriginApproval
		account *string
		typ     string
	)
	err := r.pool.QueryRow(cctx, `
SELECT origin, account, ts, approval_type FROM origin_approvals WHERE origin = $1`, origin).
		Scan(&a.Origin, &account, &a.Timestamp, &typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.OriginApproval{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.OriginApproval{}, err
	}
	a.Type = storage.ApprovalType(typ)
	if account != nil && *account != "" {
		addr := common.HexToAddress(*account)
		a.Account = &addr
	}
	return a, nil
}

func (r *Postgres) PutApproval(ctx context.Context, a storage.OriginApproval) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var account any
	if a.Account != nil {
		account = a.Account.Hex()
	}
	_, err := r.pool.Exec(cctx, `
INSERT INTO origin_approvals(origin, account, ts, approval_type) VALUES ($1, $2, $3, $4)
ON CONFLICT(origin) DO UPDATE SET
  account = EXCLUDED.account,
  ts = EXCLUDED.ts,
  approval_type = EXCLUDED.approval_type`,
		a.Origin, account, a.Timestamp, string(a.Type))
	return err
}

func (r *Postgres) DeleteApproval(ctx context.Context, origin string) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.pool.Exec(cctx, `DELETE FROM origin_approvals WHERE origin = $1`, origin)
	return err
}

func (r *Postgres) ListApprovals(ctx context.Context) ([]storage.OriginApproval, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(cctx, `SELECT origin, account, ts, approval_type FROM origin_approvals ORDER BY ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.OriginApproval
	for rows.Next() {
		var (
			a       storage.OriginApproval
			account *string
			typ     string
		)
		if err := rows.Scan(&a.Origin, &account, &a.Timestamp, &typ); err != nil {
			return nil, err
		}
		a.Type = storage.ApprovalType(typ)
		if account != nil && *account != "" {
			addr := common.HexToAddress(*account)
			a.Account = &addr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Postgres) PutPending(ctx context.Context, rec storage.PendingRecord) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.pool.Exec(cctx, `
INSERT INTO pending_requests(id, kind, origin, method, payload, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
ON CONFLICT(id) DO UPDATE SET
  kind = EXCLUDED.kind,
  origin = EXCLUDED.origin,
  method = EXCLUDED.method,
  payload = EXCLUDED.payload,
  expires_at = EXCLUDED.expires_at`,
		rec.ID, rec.Kind, rec.Origin, rec.Method, string(rec.Payload), rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	return err
}

const selectPending = `SELECT id, kind, origin, method, payload::text, created_at, expires_at FROM pending_requests`

func (r *Postgres) GetPending(ctx context.Context, id string) (storage.PendingRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec, err := scanPending(r.pool.QueryRow(cctx, selectPending+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.PendingRecord{}, storage.ErrNotFound
	}
	return rec, err
}

func (r *Postgres) DeletePending(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.pool.Exec(cctx, `DELETE FROM pending_requests WHERE id = $1`, id)
	return err
}

func (r *Postgres) ListPending(ctx context.Context) ([]storage.PendingRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(cctx, selectPending+` ORDER BY created_at ASC`)
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

func (r *Postgres) DeleteExpiredPending(ctx context.Context, cutoff time.Time) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(cctx, `DELETE FROM pending_requests WHERE expires_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPending(row pgx.Row) (storage.PendingRecord, error) {
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

func (r *Postgres) RecordTransaction(ctx context.Context, rec storage.TxRecord) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	value := rec.Value
	if value == "" {
		value = "0"
	}
	_, err := r.pool.Exec(cctx, `
INSERT INTO transactions(hash, from_addr, to_addr, value, chain_hex, chain_name, amount, status, origin, created_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
ON CONFLICT(hash) DO UPDATE SET status = EXCLUDED.status`,
		rec.Hash, rec.From, rec.To, value, rec.ChainHex, rec.ChainName, rec.Amount, string(rec.Status), rec.Origin, rec.CreatedAt.UnixMilli())
	return err
}

func (r *Postgres) UpdateTransactionStatus(ctx context.Context, hash string, status storage.TxStatus) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(cctx, `UPDATE transactions SET status = $1 WHERE hash = $2`, string(status), hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *Postgres) ListTransactions(ctx context.Context, address common.Address) ([]storage.TxRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(cctx, `
SELECT hash, from_addr, to_addr, value::text, chain_hex, chain_name, amount, status, origin, created_at
FROM transactions WHERE from_addr = $1 ORDER BY created_at DESC`, address.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TxRecord
	for rows.Next() {
		var (
			t       storage.TxRecord
			status  string
			created int64
		)
		if err := rows.Scan(&t.Hash, &t.From, &t.To, &t.Value, &t.ChainHex, &t.ChainName, &t.Amount, &status, &t.Origin, &created); err != nil {
			return nil, err
		}
		t.Status = storage.TxStatus(status)
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Postgres) getPref(ctx context.Context, key string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var v string
	err := r.pool.QueryRow(cctx, `SELECT value FROM user_prefs WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	return v, err
}

func (r *Postgres) setPref(ctx context.Context, key, value string) error {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.pool.Exec(cctx, `
INSERT INTO user_prefs(key, value) VALUES ($1, $2)
ON CONFLICT(key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}
