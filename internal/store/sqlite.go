package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tenantledger/internal/domain"
)

// SQLite is a Store backed by a single SQLite database. Units begin with
// BEGIN IMMEDIATE, so writers are serialized by the database lock and
// wait up to the busy timeout for each other; account versions are still
// checked on every update.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) the database at path. Use ":memory:" for
// a private in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening sqlite database")
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "migrating sqlite database")
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		balance TEXT NOT NULL,
		minimum_balance TEXT NOT NULL,
		overdraft_limit TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		reference TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		from_account_id TEXT NOT NULL DEFAULT '',
		to_account_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		reversal_of TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		processed_at INTEGER,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(tenant_id, reference);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL UNIQUE,
		transaction_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount TEXT NOT NULL,
		resulting_balance TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction
		ON ledger_entries(tenant_id, transaction_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_account
		ON ledger_entries(tenant_id, account_id, seq);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		tenant_id TEXT NOT NULL,
		key TEXT NOT NULL,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		result_json TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires
		ON idempotency_records(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) WithinUnit(ctx context.Context, fn func(Unit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLiteError(err, "begin unit")
	}
	defer tx.Rollback()

	if err := fn(&sqliteUnit{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateSQLiteError(err, "commit unit")
	}
	return nil
}

func (s *SQLite) CreateAccount(ctx context.Context, acc domain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (tenant_id, id, type, status, balance, minimum_balance, overdraft_limit,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.TenantID, acc.ID, string(acc.Type), string(acc.Status),
		acc.Balance.String(), acc.MinimumBalance.String(), acc.OverdraftLimit.String(),
		acc.Version, acc.CreatedAt.UnixNano(), acc.UpdatedAt.UnixNano(),
	)
	if isSQLiteUnique(err) {
		return ErrAlreadyExists
	}
	return translateSQLiteError(err, "create account")
}

func (s *SQLite) GetAccount(ctx context.Context, tenantID, id string) (domain.Account, error) {
	return sqliteAccount(ctx, s.db, tenantID, id)
}

func (s *SQLite) GetTransaction(ctx context.Context, tenantID, id string) (domain.Transaction, error) {
	return sqliteTransaction(ctx, s.db, tenantID, id)
}

func (s *SQLite) TransactionEntries(ctx context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error) {
	return sqliteEntries(ctx, s.db, "transaction_id", tenantID, transactionID)
}

func (s *SQLite) AccountEntries(ctx context.Context, tenantID, accountID string) ([]domain.LedgerEntry, error) {
	return sqliteEntries(ctx, s.db, "account_id", tenantID, accountID)
}

func (s *SQLite) FindIdempotency(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	var (
		rec                  domain.IdempotencyRecord
		resultJSON           sql.NullString
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, key, operation, transaction_id, result_json, created_at, expires_at
		FROM idempotency_records
		WHERE tenant_id = ? AND key = ? AND status = 'completed'`,
		tenantID, key,
	).Scan(&rec.TenantID, &rec.Key, &rec.Operation, &rec.TransactionID, &resultJSON, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, translateSQLiteError(err, "find idempotency record")
	}
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
			return rec, errors.Annotatef(err, "decoding idempotency record %s", key)
		}
	}
	rec.CreatedAt = fromNanos(createdAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	return rec, nil
}

func (s *SQLite) DeleteExpiredIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_records WHERE status = 'completed' AND expires_at < ?",
		before.UnixNano(),
	)
	if err != nil {
		return 0, translateSQLiteError(err, "sweep idempotency records")
	}
	return res.RowsAffected()
}

type sqliteUnit struct {
	q *sql.Tx
}

func (u *sqliteUnit) LockAccounts(ctx context.Context, tenantID string, ids ...string) (map[string]domain.Account, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]domain.Account, len(sorted))
	for _, id := range sorted {
		acc, err := sqliteAccount(ctx, u.q, tenantID, id)
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

func (u *sqliteUnit) GetTransaction(ctx context.Context, tenantID, id string) (domain.Transaction, error) {
	return sqliteTransaction(ctx, u.q, tenantID, id)
}

func (u *sqliteUnit) TransactionEntries(ctx context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error) {
	return sqliteEntries(ctx, u.q, "transaction_id", tenantID, transactionID)
}

func (u *sqliteUnit) ReferenceExists(ctx context.Context, tenantID, reference string) (bool, error) {
	var n int
	err := u.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE tenant_id = ? AND reference = ?",
		tenantID, reference,
	).Scan(&n)
	if err != nil {
		return false, translateSQLiteError(err, "check reference")
	}
	return n > 0, nil
}

func (u *sqliteUnit) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	var processedAt sql.NullInt64
	if tx.ProcessedAt != nil {
		processedAt = sql.NullInt64{Int64: tx.ProcessedAt.UnixNano(), Valid: true}
	}
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO transactions (tenant_id, id, reference, type, amount, from_account_id, to_account_id,
			status, idempotency_key, description, reversal_of, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TenantID, tx.ID, tx.Reference, string(tx.Type), tx.Amount.String(),
		tx.FromAccountID, tx.ToAccountID, string(tx.Status), tx.IdempotencyKey,
		tx.Description, tx.ReversalOf, tx.CreatedAt.UnixNano(), processedAt,
	)
	if isSQLiteUnique(err) {
		return ErrConflict
	}
	return translateSQLiteError(err, "insert transaction")
}

func (u *sqliteUnit) InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	for _, e := range entries {
		_, err := u.q.ExecContext(ctx, `
			INSERT INTO ledger_entries (tenant_id, id, transaction_id, account_id, direction, amount,
				resulting_balance, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TenantID, e.ID, e.TransactionID, e.AccountID, string(e.Direction),
			e.Amount.String(), e.ResultingBalance.String(), e.CreatedAt.UnixNano(),
		)
		if err != nil {
			return translateSQLiteError(err, "insert ledger entry")
		}
	}
	return nil
}

func (u *sqliteUnit) UpdateAccount(ctx context.Context, acc domain.Account) (domain.Account, error) {
	res, err := u.q.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, balance = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?`,
		string(acc.Status), acc.Balance.String(), acc.UpdatedAt.UnixNano(),
		acc.TenantID, acc.ID, acc.Version,
	)
	if err != nil {
		return domain.Account{}, translateSQLiteError(err, "update account")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Account{}, translateSQLiteError(err, "update account")
	}
	if n == 0 {
		return domain.Account{}, ErrConflict
	}
	acc.Version++
	return acc, nil
}

func (u *sqliteUnit) UpdateTransactionStatus(ctx context.Context, tenantID, id string, from, to domain.TransactionStatus) error {
	res, err := u.q.ExecContext(ctx,
		"UPDATE transactions SET status = ? WHERE tenant_id = ? AND id = ? AND status = ?",
		string(to), tenantID, id, string(from),
	)
	if err != nil {
		return translateSQLiteError(err, "update transaction status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translateSQLiteError(err, "update transaction status")
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (u *sqliteUnit) ReserveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, key, operation, status, created_at, expires_at)
		VALUES (?, ?, ?, 'in_progress', ?, ?)`,
		rec.TenantID, rec.Key, rec.Operation, rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano(),
	)
	if isSQLiteUnique(err) {
		return ErrDuplicateKey
	}
	return translateSQLiteError(err, "reserve idempotency key")
}

func (u *sqliteUnit) CompleteIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	body, err := json.Marshal(rec.Result)
	if err != nil {
		return errors.Annotate(err, "encoding idempotency result")
	}
	res, err := u.q.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'completed', transaction_id = ?, result_json = ?, created_at = ?, expires_at = ?
		WHERE tenant_id = ? AND key = ? AND status = 'in_progress'`,
		rec.TransactionID, string(body), rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano(),
		rec.TenantID, rec.Key,
	)
	if err != nil {
		return translateSQLiteError(err, "complete idempotency key")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func sqliteAccount(ctx context.Context, q sqlQuerier, tenantID, id string) (domain.Account, error) {
	var (
		acc                         domain.Account
		accType, status             string
		balance, minimum, overdraft string
		createdAt, updatedAt        int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT tenant_id, id, type, status, balance, minimum_balance, overdraft_limit, version,
			created_at, updated_at
		FROM accounts WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	).Scan(&acc.TenantID, &acc.ID, &accType, &status, &balance, &minimum, &overdraft, &acc.Version,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return acc, ErrNotFound
	}
	if err != nil {
		return acc, translateSQLiteError(err, "read account")
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
	acc.CreatedAt = fromNanos(createdAt)
	acc.UpdatedAt = fromNanos(updatedAt)
	return acc, nil
}

func sqliteTransaction(ctx context.Context, q sqlQuerier, tenantID, id string) (domain.Transaction, error) {
	var (
		tx             domain.Transaction
		txType, status string
		amount         string
		createdAt      int64
		processedAt    sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT tenant_id, id, reference, type, amount, from_account_id, to_account_id, status,
			idempotency_key, description, reversal_of, created_at, processed_at
		FROM transactions WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	).Scan(&tx.TenantID, &tx.ID, &tx.Reference, &txType, &amount, &tx.FromAccountID, &tx.ToAccountID,
		&status, &tx.IdempotencyKey, &tx.Description, &tx.ReversalOf, &createdAt, &processedAt)
	if err == sql.ErrNoRows {
		return tx, ErrNotFound
	}
	if err != nil {
		return tx, translateSQLiteError(err, "read transaction")
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, errors.Annotatef(err, "transaction %s amount", id)
	}
	tx.CreatedAt = fromNanos(createdAt)
	if processedAt.Valid {
		t := fromNanos(processedAt.Int64)
		tx.ProcessedAt = &t
	}
	return tx, nil
}

func sqliteEntries(ctx context.Context, q sqlQuerier, column, tenantID, value string) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tenant_id, id, transaction_id, account_id, direction, amount, resulting_balance, created_at
		FROM ledger_entries
		WHERE tenant_id = ? AND `+column+` = ?
		ORDER BY seq ASC`,
		tenantID, value,
	)
	if err != nil {
		return nil, translateSQLiteError(err, "query ledger entries")
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e                 domain.LedgerEntry
			direction         string
			amount, resulting string
			createdAt         int64
		)
		if err := rows.Scan(&e.TenantID, &e.ID, &e.TransactionID, &e.AccountID, &direction,
			&amount, &resulting, &createdAt); err != nil {
			return nil, errors.Annotate(err, "scanning ledger entry")
		}
		e.Direction = domain.Direction(direction)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, errors.Annotatef(err, "entry %s amount", e.ID)
		}
		if e.ResultingBalance, err = decimal.NewFromString(resulting); err != nil {
			return nil, errors.Annotatef(err, "entry %s resulting balance", e.ID)
		}
		e.CreatedAt = fromNanos(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// translateSQLiteError maps lock contention to ErrConflict and annotates
// everything else.
func translateSQLiteError(err error, op string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			logger.Debugf("sqlite %s: %v", op, err)
			return ErrConflict
		}
		if strings.Contains(sqliteErr.Error(), "database is locked") {
			return ErrConflict
		}
	}
	return errors.Annotatef(err, "sqlite %s", op)
}
