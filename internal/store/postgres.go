package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tenantledger/internal/domain"
)

// Postgres is the production Store. Units run at REPEATABLE READ and lock
// account rows with SELECT ... FOR UPDATE in ascending id order.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Annotate(err, "unable to parse database config")
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Annotate(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Annotate(err, "unable to ping database")
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() error {
	s.Db.Close()
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	balance NUMERIC(20, 2) NOT NULL,
	minimum_balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
	overdraft_limit NUMERIC(20, 2) NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS transactions (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	reference TEXT NOT NULL,
	type TEXT NOT NULL,
	amount NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
	from_account_id TEXT NOT NULL DEFAULT '',
	to_account_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	reversal_of TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference ON transactions(tenant_id, reference);
CREATE INDEX IF NOT EXISTS idx_transactions_idempotency_key ON transactions(tenant_id, idempotency_key);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL UNIQUE,
	transaction_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
	amount NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
	resulting_balance NUMERIC(20, 2) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction ON ledger_entries(tenant_id, transaction_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(tenant_id, account_id, seq);

CREATE TABLE IF NOT EXISTS idempotency_records (
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	result_json JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT idempotency_records_pkey PRIMARY KEY (tenant_id, key)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires ON idempotency_records(expires_at);
`

// Migrate creates the ledger tables if they do not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, postgresSchema); err != nil {
		return errors.Annotate(err, "applying schema")
	}
	return nil
}

// WithinUnit runs fn inside a REPEATABLE READ transaction. Serialization
// failures and deadlocks surface as ErrConflict.
func (s *Postgres) WithinUnit(ctx context.Context, fn func(Unit) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return translatePgError(err, "tx begin")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgUnit{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePgError(err, "tx commit")
	}
	return nil
}

// pgQuerier is satisfied by both the pool and a pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Postgres) CreateAccount(ctx context.Context, acc domain.Account) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO accounts (tenant_id, id, type, status, balance, minimum_balance, overdraft_limit,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8, $9, $10)`,
		acc.TenantID, acc.ID, string(acc.Type), string(acc.Status),
		acc.Balance.String(), acc.MinimumBalance.String(), acc.OverdraftLimit.String(),
		acc.Version, acc.CreatedAt, acc.UpdatedAt,
	)
	if isPgUnique(err) {
		return ErrAlreadyExists
	}
	return translatePgError(err, "create account")
}

func (s *Postgres) GetAccount(ctx context.Context, tenantID, id string) (domain.Account, error) {
	return pgAccount(ctx, s.Db, tenantID, id, false)
}

func (s *Postgres) GetTransaction(ctx context.Context, tenantID, id string) (domain.Transaction, error) {
	return pgTransaction(ctx, s.Db, tenantID, id, false)
}

func (s *Postgres) TransactionEntries(ctx context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error) {
	return pgEntries(ctx, s.Db, "transaction_id", tenantID, transactionID)
}

func (s *Postgres) AccountEntries(ctx context.Context, tenantID, accountID string) ([]domain.LedgerEntry, error) {
	return pgEntries(ctx, s.Db, "account_id", tenantID, accountID)
}

func (s *Postgres) FindIdempotency(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	var (
		rec  domain.IdempotencyRecord
		body []byte
	)
	err := s.Db.QueryRow(ctx, `
		SELECT tenant_id, key, operation, transaction_id, result_json, created_at, expires_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND key = $2 AND status = 'completed'`,
		tenantID, key,
	).Scan(&rec.TenantID, &rec.Key, &rec.Operation, &rec.TransactionID, &body, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, translatePgError(err, "idempotency query")
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rec.Result); err != nil {
			return rec, errors.Annotatef(err, "decoding idempotency record %s", key)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

func (s *Postgres) DeleteExpiredIdempotency(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.Db.Exec(ctx,
		"DELETE FROM idempotency_records WHERE status = 'completed' AND expires_at < $1", before)
	if err != nil {
		return 0, translatePgError(err, "idempotency sweep")
	}
	return tag.RowsAffected(), nil
}

type pgUnit struct {
	tx pgx.Tx
}

func (u *pgUnit) LockAccounts(ctx context.Context, tenantID string, ids ...string) (map[string]domain.Account, error) {
	// Acquire locks in id order so concurrent units never wait on each other in a cycle.
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]domain.Account, len(sorted))
	for _, id := range sorted {
		acc, err := pgAccount(ctx, u.tx, tenantID, id, true)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = acc
	}
	return out, nil
}

func (u *pgUnit) GetTransaction(ctx context.Context, tenantID, id string) (domain.Transaction, error) {
	return pgTransaction(ctx, u.tx, tenantID, id, true)
}

func (u *pgUnit) TransactionEntries(ctx context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error) {
	return pgEntries(ctx, u.tx, "transaction_id", tenantID, transactionID)
}

func (u *pgUnit) ReferenceExists(ctx context.Context, tenantID, reference string) (bool, error) {
	var exists bool
	err := u.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM transactions WHERE tenant_id = $1 AND reference = $2)",
		tenantID, reference,
	).Scan(&exists)
	if err != nil {
		return false, translatePgError(err, "reference check")
	}
	return exists, nil
}

func (u *pgUnit) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO transactions (tenant_id, id, reference, type, amount, from_account_id, to_account_id,
			status, idempotency_key, description, reversal_of, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.TenantID, tx.ID, tx.Reference, string(tx.Type), tx.Amount.String(),
		tx.FromAccountID, tx.ToAccountID, string(tx.Status), tx.IdempotencyKey,
		tx.Description, tx.ReversalOf, tx.CreatedAt, tx.ProcessedAt,
	)
	if isPgUnique(err) {
		return ErrConflict
	}
	return translatePgError(err, "transaction insert")
}

// InsertEntries writes all legs in one batch.
func (u *pgUnit) InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO ledger_entries (tenant_id, id, transaction_id, account_id, direction, amount,
				resulting_balance, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8)`,
			e.TenantID, e.ID, e.TransactionID, e.AccountID, string(e.Direction),
			e.Amount.String(), e.ResultingBalance.String(), e.CreatedAt,
		)
	}
	if err := u.tx.SendBatch(ctx, batch).Close(); err != nil {
		return translatePgError(err, "ledger entry")
	}
	return nil
}

func (u *pgUnit) UpdateAccount(ctx context.Context, acc domain.Account) (domain.Account, error) {
	tag, err := u.tx.Exec(ctx, `
		UPDATE accounts
		SET status = $1, balance = $2::text::numeric, version = version + 1, updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND version = $6`,
		string(acc.Status), acc.Balance.String(), acc.UpdatedAt,
		acc.TenantID, acc.ID, acc.Version,
	)
	if err != nil {
		return domain.Account{}, translatePgError(err, "account update")
	}
	if tag.RowsAffected() == 0 {
		return domain.Account{}, ErrConflict
	}
	acc.Version++
	return acc, nil
}

func (u *pgUnit) UpdateTransactionStatus(ctx context.Context, tenantID, id string, from, to domain.TransactionStatus) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE transactions SET status = $1 WHERE tenant_id = $2 AND id = $3 AND status = $4",
		string(to), tenantID, id, string(from),
	)
	if err != nil {
		return translatePgError(err, "transaction status update")
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (u *pgUnit) ReserveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO idempotency_records (tenant_id, key, operation, status, created_at, expires_at)
		VALUES ($1, $2, $3, 'in_progress', $4, $5)`,
		rec.TenantID, rec.Key, rec.Operation, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idempotency_records_pkey" {
			return ErrDuplicateKey
		}
		return translatePgError(err, "key reservation")
	}
	return nil
}

func (u *pgUnit) CompleteIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	body, err := json.Marshal(rec.Result)
	if err != nil {
		return errors.Annotate(err, "encoding idempotency result")
	}
	tag, err := u.tx.Exec(ctx, `
		UPDATE idempotency_records
		SET status = 'completed', transaction_id = $1, result_json = $2, created_at = $3, expires_at = $4
		WHERE tenant_id = $5 AND key = $6 AND status = 'in_progress'`,
		rec.TransactionID, body, rec.CreatedAt, rec.ExpiresAt, rec.TenantID, rec.Key,
	)
	if err != nil {
		return translatePgError(err, "idempotency update")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func pgAccount(ctx context.Context, q pgQuerier, tenantID, id string, forUpdate bool) (domain.Account, error) {
	query := `
		SELECT tenant_id, id, type, status, balance::text, minimum_balance::text, overdraft_limit::text,
			version, created_at, updated_at
		FROM accounts WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		acc                         domain.Account
		accType, status             string
		balance, minimum, overdraft string
	)
	err := q.QueryRow(ctx, query, tenantID, id).Scan(&acc.TenantID, &acc.ID, &accType, &status,
		&balance, &minimum, &overdraft, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return acc, ErrNotFound
	}
	if err != nil {
		return acc, translatePgError(err, "lock acquisition")
	}
	acc.Type = domain.AccountType(accType)
	acc.Status = domain.AccountStatus(status)
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return acc, errors.Annotatef(err, "account %s balance", id)
	}
	if acc.MinimumBalance, err = decimal.NewFromString(minimum); err != nil {
		return acc, errors.Annotatef(err, "account %s minimum balance", id)
	}
	if acc.OverdraftLimit, err = decimal.NewFromString(overdraft); err != nil {
		return acc, errors.Annotatef(err, "account %s overdraft limit", id)
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func pgTransaction(ctx context.Context, q pgQuerier, tenantID, id string, forUpdate bool) (domain.Transaction, error) {
	query := `
		SELECT tenant_id, id, reference, type, amount::text, from_account_id, to_account_id, status,
			idempotency_key, description, reversal_of, created_at, processed_at
		FROM transactions WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		tx             domain.Transaction
		txType, status string
		amount         string
	)
	err := q.QueryRow(ctx, query, tenantID, id).Scan(&tx.TenantID, &tx.ID, &tx.Reference, &txType,
		&amount, &tx.FromAccountID, &tx.ToAccountID, &status, &tx.IdempotencyKey, &tx.Description,
		&tx.ReversalOf, &tx.CreatedAt, &tx.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tx, ErrNotFound
	}
	if err != nil {
		return tx, translatePgError(err, "transaction query")
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, errors.Annotatef(err, "transaction %s amount", id)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	if tx.ProcessedAt != nil {
		t := tx.ProcessedAt.UTC()
		tx.ProcessedAt = &t
	}
	return tx, nil
}

func pgEntries(ctx context.Context, q pgQuerier, column, tenantID, value string) ([]domain.LedgerEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT tenant_id, id, transaction_id, account_id, direction, amount::text,
			resulting_balance::text, created_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND `+column+` = $2
		ORDER BY seq ASC`,
		tenantID, value,
	)
	if err != nil {
		return nil, translatePgError(err, "entries query")
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e                 domain.LedgerEntry
			direction         string
			amount, resulting string
		)
		if err := rows.Scan(&e.TenantID, &e.ID, &e.TransactionID, &e.AccountID, &direction,
			&amount, &resulting, &e.CreatedAt); err != nil {
			return nil, errors.Annotate(err, "scanning entry")
		}
		e.Direction = domain.Direction(direction)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, errors.Annotatef(err, "entry %s amount", e.ID)
		}
		if e.ResultingBalance, err = decimal.NewFromString(resulting); err != nil {
			return nil, errors.Annotatef(err, "entry %s resulting balance", e.ID)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// translatePgError maps serialization failures (40001) and deadlocks
// (40P01) to ErrConflict.
func translatePgError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			logger.Debugf("postgres %s: %s (%s)", op, pgErr.Message, pgErr.Code)
			return ErrConflict
		}
	}
	return errors.Annotatef(err, "%s failed", op)
}
