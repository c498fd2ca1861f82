package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is a single-node ledger for development and tests. Writers
// are serialized by SQLite's database lock, so AcquireExclusive needs no
// row-level locking of its own.
type SQLiteStore struct {
	DB  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. The path may
// be ":memory:".
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and makes Begin queue
	// instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return NewSQLiteStore(db), nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", ErrStorageUnavailable, err)
	}
	return &sqliteUnit{store: s, tx: tx}, nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, req PaymentRequest, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO payment_requests
			(request_id, end_to_end_id, customer_acc, vendor_acc, amount, currency, status, payload, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'FAILED', ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE
			SET status = 'FAILED', updated_at = excluded.updated_at
			WHERE payment_requests.status = 'RECEIVED'
	`, req.RequestID, req.EndToEndID, req.CustomerAcc, req.VendorAcc, req.Amount.String(), req.Currency, req.Payload, req.ReceivedAt.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", req.RequestID, classifySQLite(err))
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, ref AccountRef) (*Account, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT acc_no, holder_name, currency, balance, created_at, updated_at
		FROM `+ref.Kind.table()+` WHERE acc_no = ?`, ref.Number)
	acc, err := scanSQLiteAccount(row, ref.Kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
		}
		return nil, fmt.Errorf("failed to get account %s: %w", ref, classifySQLite(err))
	}
	return acc, nil
}

func (s *SQLiteStore) GetPaymentRequest(ctx context.Context, requestID string) (*PaymentRequest, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT request_id, end_to_end_id, customer_acc, vendor_acc, amount, currency, status, payload, received_at, updated_at
		FROM payment_requests WHERE request_id = ?`, requestID)
	req, err := scanSQLiteRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to get payment request %s: %w", requestID, classifySQLite(err))
	}
	return req, nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, acc NewAccount) (*Account, error) {
	if acc.Balance.IsNegative() {
		return nil, fmt.Errorf("opening balance must not be negative")
	}
	now := s.now()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO `+acc.Ref.Kind.table()+` (acc_no, holder_name, currency, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		acc.Ref.Number, acc.HolderName, acc.Currency, acc.Balance.String(), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", acc.Ref, classifySQLite(err))
	}
	return s.GetAccount(ctx, acc.Ref)
}

func (s *SQLiteStore) SaveBatchFile(ctx context.Context, f BatchFile) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO batch_files (receipt_id, content_type, body, received_at) VALUES (?, ?, ?, ?)`,
		f.ReceiptID, f.ContentType, f.Body, f.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save batch file: %w", classifySQLite(err))
	}
	return nil
}

func (s *SQLiteStore) RequestsInStatus(ctx context.Context, status Status, receivedBefore time.Time) ([]*PaymentRequest, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT request_id, end_to_end_id, customer_acc, vendor_acc, amount, currency, status, payload, received_at, updated_at
		FROM payment_requests WHERE status = ? AND received_at < ? ORDER BY received_at`, string(status), receivedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", classifySQLite(err))
	}
	defer rows.Close()

	var out []*PaymentRequest
	for rows.Next() {
		req, err := scanSQLiteRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// NegativeBalances scans every account; balances are stored as text so the
// comparison happens in Go.
func (s *SQLiteStore) NegativeBalances(ctx context.Context) ([]*Account, error) {
	var out []*Account
	for _, kind := range []AccountKind{Customer, Vendor} {
		rows, err := s.DB.QueryContext(ctx, `
			SELECT acc_no, holder_name, currency, balance, created_at, updated_at FROM `+kind.table())
		if err != nil {
			return nil, fmt.Errorf("failed to query balances: %w", classifySQLite(err))
		}
		for rows.Next() {
			acc, err := scanSQLiteAccount(rows, kind)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan account: %w", err)
			}
			if acc.Balance.IsNegative() {
				out = append(out, acc)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

type sqliteUnit struct {
	store *SQLiteStore
	tx    *sql.Tx
	done  bool
}

func (u *sqliteUnit) AppendRequest(ctx context.Context, req PaymentRequest) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO payment_requests
			(request_id, end_to_end_id, customer_acc, vendor_acc, amount, currency, status, payload, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.RequestID, req.EndToEndID, req.CustomerAcc, req.VendorAcc, req.Amount.String(), req.Currency,
		string(StatusReceived), req.Payload, req.ReceivedAt.UTC(), req.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append request %s: %w", req.RequestID, classifySQLite(err))
	}
	return nil
}

func (u *sqliteUnit) AcquireExclusive(ctx context.Context, ref AccountRef) (*Account, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT acc_no, holder_name, currency, balance, created_at, updated_at
		FROM `+ref.Kind.table()+` WHERE acc_no = ?`, ref.Number)
	acc, err := scanSQLiteAccount(row, ref.Kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
		}
		return nil, fmt.Errorf("failed to lock account %s: %w", ref, classifySQLite(err))
	}
	return acc, nil
}

func (u *sqliteUnit) Exists(ctx context.Context, ref AccountRef) (bool, error) {
	var exists bool
	err := u.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+ref.Kind.table()+` WHERE acc_no = ?)`, ref.Number).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account %s: %w", ref, classifySQLite(err))
	}
	return exists, nil
}

func (u *sqliteUnit) Adjust(ctx context.Context, ref AccountRef, delta decimal.Decimal) error {
	var current decimal.Decimal
	err := u.tx.QueryRowContext(ctx,
		`SELECT balance FROM `+ref.Kind.table()+` WHERE acc_no = ?`, ref.Number).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
		}
		return fmt.Errorf("failed to read balance of %s: %w", ref, classifySQLite(err))
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("balance of %s would become negative", ref)
	}

	_, err = u.tx.ExecContext(ctx,
		`UPDATE `+ref.Kind.table()+` SET balance = ?, updated_at = ? WHERE acc_no = ?`,
		next.String(), u.store.now(), ref.Number)
	if err != nil {
		return fmt.Errorf("failed to adjust balance of %s: %w", ref, classifySQLite(err))
	}
	return nil
}

func (u *sqliteUnit) UpdateStatus(ctx context.Context, requestID string, to Status, at time.Time) error {
	if !IsValidTransition(StatusReceived, to) {
		return &InvalidTransitionError{RequestID: requestID, From: StatusReceived, To: to}
	}

	res, err := u.tx.ExecContext(ctx, `
		UPDATE payment_requests SET status = ?, updated_at = ?
		WHERE request_id = ? AND status = ?`, string(to), at.UTC(), requestID, string(StatusReceived))
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", requestID, classifySQLite(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", requestID, err)
	}
	if n == 0 {
		return &InvalidTransitionError{RequestID: requestID, To: to}
	}
	return nil
}

func (u *sqliteUnit) Commit(ctx context.Context) error {
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classifySQLite(err))
	}
	u.done = true
	return nil
}

func (u *sqliteUnit) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner, kind AccountKind) (*Account, error) {
	acc := Account{Kind: kind}
	if err := row.Scan(&acc.Number, &acc.HolderName, &acc.Currency, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	return &acc, nil
}

func scanSQLiteRequest(row rowScanner) (*PaymentRequest, error) {
	var (
		req    PaymentRequest
		status string
	)
	err := row.Scan(&req.RequestID, &req.EndToEndID, &req.CustomerAcc, &req.VendorAcc, &req.Amount,
		&req.Currency, &status, &req.Payload, &req.ReceivedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.Status = Status(status)
	return &req, nil
}

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return err
	}

	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
