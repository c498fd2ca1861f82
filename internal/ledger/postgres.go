package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const defaultQueryTimeout = 5 * time.Second

// PostgresStore is the production ledger on PostgreSQL.
type PostgresStore struct {
	Pool         *pgxpool.Pool
	QueryTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL ledger instance
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, QueryTimeout: defaultQueryTimeout}
}

// ConnectPostgres opens and pings a pool.
func ConnectPostgres(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return NewPostgresStore(pool), nil
}

func (s *PostgresStore) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.QueryTimeout
	if d <= 0 {
		d = defaultQueryTimeout
	}
	return context.WithTimeout(ctx, d)
}

// Begin opens a READ COMMITTED transaction. Row locks taken with
// AcquireExclusive provide the isolation the payment flow needs.
func (s *PostgresStore) Begin(ctx context.Context) (UnitOfWork, error) {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()

	tx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", ErrStorageUnavailable, err)
	}
	return &pgUnit{store: s, tx: tx}, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, req PaymentRequest, at time.Time) error {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(queryCtx, `
		INSERT INTO payment_requests
			(request_id, end_to_end_id, customer_acc, vendor_acc, amount, currency, status, payload, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, 'FAILED', $7, $8, $9)
		ON CONFLICT (request_id) DO UPDATE
			SET status = 'FAILED', updated_at = EXCLUDED.updated_at
			WHERE payment_requests.status = 'RECEIVED'
	`, req.RequestID, req.EndToEndID, req.CustomerAcc, req.VendorAcc, req.Amount.String(), req.Currency, req.Payload, req.ReceivedAt, at)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", req.RequestID, classifyPg(err))
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, ref AccountRef) (*Account, error) {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(queryCtx, `
		SELECT acc_no, holder_name, currency, balance::text, created_at, updated_at
		FROM `+ref.Kind.table()+` WHERE acc_no = $1`, ref.Number)
	acc, err := scanPgAccount(row, ref.Kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
		}
		return nil, fmt.Errorf("failed to get account %s: %w", ref, classifyPg(err))
	}
	return acc, nil
}

func (s *PostgresStore) GetPaymentRequest(ctx context.Context, requestID string) (*PaymentRequest, error) {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(queryCtx, `
		SELECT request_id, end_to_end_id, customer_acc, vendor_acc, amount::text, currency, status, payload, received_at, updated_at
		FROM payment_requests WHERE request_id = $1`, requestID)
	req, err := scanPgRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to get payment request %s: %w", requestID, classifyPg(err))
	}
	return req, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acc NewAccount) (*Account, error) {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(queryCtx, `
		INSERT INTO `+acc.Ref.Kind.table()+` (acc_no, holder_name, currency, balance)
		VALUES ($1, $2, $3, $4::numeric)
		RETURNING acc_no, holder_name, currency, balance::text, created_at, updated_at`,
		acc.Ref.Number, acc.HolderName, acc.Currency, acc.Balance.String())
	created, err := scanPgAccount(row, acc.Ref.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", acc.Ref, classifyPg(err))
	}
	return created, nil
}

func (s *PostgresStore) SaveBatchFile(ctx context.Context, f BatchFile) error {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(queryCtx,
		`INSERT INTO batch_files (receipt_id, content_type, body, received_at) VALUES ($1, $2, $3, $4)`,
		f.ReceiptID, f.ContentType, f.Body, f.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to save batch file: %w", classifyPg(err))
	}
	return nil
}

func (s *PostgresStore) RequestsInStatus(ctx context.Context, status Status, receivedBefore time.Time) ([]*PaymentRequest, error) {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
		SELECT request_id, end_to_end_id, customer_acc, vendor_acc, amount::text, currency, status, payload, received_at, updated_at
		FROM payment_requests WHERE status = $1 AND received_at < $2 ORDER BY received_at`, string(status), receivedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", classifyPg(err))
	}
	defer rows.Close()

	var out []*PaymentRequest
	for rows.Next() {
		req, err := scanPgRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NegativeBalances(ctx context.Context) ([]*Account, error) {
	var out []*Account
	for _, kind := range []AccountKind{Customer, Vendor} {
		queryCtx, cancel := s.timeout(ctx)
		rows, err := s.Pool.Query(queryCtx, `
			SELECT acc_no, holder_name, currency, balance::text, created_at, updated_at
			FROM `+kind.table()+` WHERE balance < 0`)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to query balances: %w", classifyPg(err))
		}
		for rows.Next() {
			acc, err := scanPgAccount(rows, kind)
			if err != nil {
				rows.Close()
				cancel()
				return nil, fmt.Errorf("failed to scan account: %w", err)
			}
			out = append(out, acc)
		}
		rows.Close()
		cancel()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	queryCtx, cancel := s.timeout(ctx)
	defer cancel()
	if err := s.Pool.Ping(queryCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

type pgUnit struct {
	store *PostgresStore
	tx    pgx.Tx
	done  bool
}

func (u *pgUnit) AppendRequest(ctx context.Context, req PaymentRequest) error {
	queryCtx, cancel := u.store.timeout(ctx)
	defer cancel()

	_, err := u.tx.Exec(queryCtx, `
		INSERT INTO payment_requests
			(request_id, end_to_end_id, customer_acc, vendor_acc, amount, currency, status, payload, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $9)
	`, req.RequestID, req.EndToEndID, req.CustomerAcc, req.VendorAcc, req.Amount.String(), req.Currency, string(StatusReceived), req.Payload, req.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to append request %s: %w", req.RequestID, classifyPg(err))
	}
	return nil
}

func (u *pgUnit) AcquireExclusive(ctx context.Context, ref AccountRef) (*Account, error) {
	queryCtx, cancel := u.store.timeout(ctx)
	defer cancel()

	row := u.tx.QueryRow(queryCtx, `
		SELECT acc_no, holder_name, currency, balance::text, created_at, updated_at
		FROM `+ref.Kind.table()+` WHERE acc_no = $1 FOR UPDATE`, ref.Number)
	acc, err := scanPgAccount(row, ref.Kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
		}
		return nil, fmt.Errorf("failed to lock account %s: %w", ref, classifyPg(err))
	}
	return acc, nil
}

func (u *pgUnit) Exists(ctx context.Context, ref AccountRef) (bool, error) {
	queryCtx, cancel := u.store.timeout(ctx)
	defer cancel()

	var exists bool
	err := u.tx.QueryRow(queryCtx,
		`SELECT EXISTS(SELECT 1 FROM `+ref.Kind.table()+` WHERE acc_no = $1)`, ref.Number).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account %s: %w", ref, classifyPg(err))
	}
	return exists, nil
}

func (u *pgUnit) Adjust(ctx context.Context, ref AccountRef, delta decimal.Decimal) error {
	queryCtx, cancel := u.store.timeout(ctx)
	defer cancel()

	tag, err := u.tx.Exec(queryCtx, `
		UPDATE `+ref.Kind.table()+`
		SET balance = balance + $1::numeric, updated_at = now()
		WHERE acc_no = $2`, delta.String(), ref.Number)
	if err != nil {
		return fmt.Errorf("failed to adjust balance of %s: %w", ref, classifyPg(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
	}
	return nil
}

func (u *pgUnit) UpdateStatus(ctx context.Context, requestID string, to Status, at time.Time) error {
	if !IsValidTransition(StatusReceived, to) {
		return &InvalidTransitionError{RequestID: requestID, From: StatusReceived, To: to}
	}

	queryCtx, cancel := u.store.timeout(ctx)
	defer cancel()

	tag, err := u.tx.Exec(queryCtx, `
		UPDATE payment_requests SET status = $1, updated_at = $2
		WHERE request_id = $3 AND status = $4`, string(to), at, requestID, string(StatusReceived))
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", requestID, classifyPg(err))
	}
	if tag.RowsAffected() == 0 {
		return &InvalidTransitionError{RequestID: requestID, To: to}
	}
	return nil
}

func (u *pgUnit) Commit(ctx context.Context) error {
	queryCtx, cancel := u.store.timeout(ctx)
	defer cancel()

	if err := u.tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classifyPg(err))
	}
	u.done = true
	return nil
}

func (u *pgUnit) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true

	queryCtx, cancel := u.store.timeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := u.tx.Rollback(queryCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func scanPgAccount(row pgx.Row, kind AccountKind) (*Account, error) {
	var (
		acc     = Account{Kind: kind}
		balance string
	)
	if err := row.Scan(&acc.Number, &acc.HolderName, &acc.Currency, &balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", balance, err)
	}
	acc.Balance = b
	return &acc, nil
}

func scanPgRequest(row pgx.Row) (*PaymentRequest, error) {
	var (
		req    PaymentRequest
		amount string
		status string
	)
	err := row.Scan(&req.RequestID, &req.EndToEndID, &req.CustomerAcc, &req.VendorAcc, &amount,
		&req.Currency, &status, &req.Payload, &req.ReceivedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	req.Amount = a
	req.Status = Status(status)
	return &req, nil
}

// classifyPg maps driver errors onto the package sentinels while keeping
// the original error in the chain.
func classifyPg(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
