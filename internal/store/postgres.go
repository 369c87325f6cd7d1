package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/auction-engine/internal/model"
)

// pgLockNotAvailable is SQLSTATE 55P03, raised when lock_timeout elapses.
const pgLockNotAvailable = "55P03"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// The per-auction lock is a row lock (SELECT ... FOR UPDATE) held for the
// lifetime of one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const auctionColumns = `id, title, status, starting_price, start_time, regular_end_time,
	overtime_started, overtime_end_time, current_price, COALESCE(current_bidder_id, ''),
	total_bids, cancel_reason, created_at, updated_at`

const bidColumns = `id, auction_id, bidder_id, amount, status, placed_at, updated_at`

// pgxRows is the subset of pgx.Rows used by the scan helpers.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanAuction(row pgx.Row) (*model.Auction, error) {
	var a model.Auction
	var status string
	if err := row.Scan(&a.ID, &a.Title, &status, &a.StartingPrice, &a.StartTime, &a.RegularEndTime,
		&a.OvertimeStarted, &a.OvertimeEndTime, &a.CurrentPrice, &a.CurrentBidderID,
		&a.TotalBids, &a.CancelReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = model.AuctionStatus(status)
	return &a, nil
}

func scanAuctions(rows pgxRows) ([]model.Auction, error) {
	var out []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanBids(rows pgxRows) ([]model.Bid, error) {
	var out []model.Bid
	for rows.Next() {
		var b model.Bid
		var status string
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &status, &b.PlacedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = model.BidStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, title, status, starting_price, start_time, regular_end_time,
		                       overtime_started, overtime_end_time, current_price, current_bidder_id,
		                       total_bids, cancel_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14)`,
		a.ID, a.Title, string(a.Status), a.StartingPrice, a.StartTime, a.RegularEndTime,
		a.OvertimeStarted, a.OvertimeEndTime, a.CurrentPrice, a.CurrentBidderID,
		a.TotalBids, a.CancelReason, a.CreatedAt, a.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("create auction %s: %w", a.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	a, err := scanAuction(s.pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get auction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAuctionsByStatus(ctx context.Context, status model.AuctionStatus) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuctions(rows)
}

func (s *PostgresStore) ListDueToStart(ctx context.Context, now time.Time) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE status = 'SCHEDULED' AND start_time <= $1
		 ORDER BY start_time`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuctions(rows)
}

func (s *PostgresStore) ListDueToClose(ctx context.Context, now time.Time) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE status = 'ACTIVE' AND COALESCE(overtime_end_time, regular_end_time) <= $1
		 ORDER BY COALESCE(overtime_end_time, regular_end_time)`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuctions(rows)
}

func (s *PostgresStore) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY placed_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

func (s *PostgresStore) ListAwaitingRefund(ctx context.Context, limit int) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE status IN ('OUTBID', 'LOST')
		 ORDER BY placed_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

func (s *PostgresStore) MarkRefunded(ctx context.Context, bidID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET status = 'REFUNDED', updated_at = now()
		 WHERE id = $1 AND status IN ('OUTBID', 'LOST')`, bidID)
	if err != nil {
		return false, fmt.Errorf("mark refunded %s: %w", bidID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) WithAuctionLock(ctx context.Context, auctionID string, fn func(tx Tx, a *model.Auction) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx for auction %s: %w", auctionID, err)
	}
	defer tx.Rollback(ctx)

	// Bound the row-lock wait by the explicit lock wait, else by the
	// caller's deadline.
	wait, bounded := lockWait(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); !bounded || left < wait {
			wait, bounded = left, true
		}
	}
	if bounded {
		ms := wait.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ms)); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	a, err := scanAuction(tx.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`, auctionID))
	if err != nil {
		return mapLockError(ctx, auctionID, err)
	}
	if bounded {
		// Held: the rest of the transaction is bounded by ctx alone.
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', '0', true)`); err != nil {
			return fmt.Errorf("reset lock timeout: %w", err)
		}
	}

	if err := fn(&pgTx{tx: tx, auctionID: auctionID}, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit auction %s: %w", auctionID, err)
	}
	return nil
}

func mapLockError(ctx context.Context, auctionID string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("lock auction %s: %w", auctionID, ErrNotFound)
	case errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable:
		return fmt.Errorf("lock auction %s: %w", auctionID, ErrLockTimeout)
	case ctx.Err() != nil:
		return fmt.Errorf("lock auction %s: %w", auctionID, ErrLockTimeout)
	}
	return fmt.Errorf("lock auction %s: %w", auctionID, err)
}

// pgTx runs staged writes inside the row-locking transaction.
type pgTx struct {
	tx        pgx.Tx
	auctionID string
}

func (t *pgTx) UpdateAuction(ctx context.Context, a *model.Auction) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE auctions
		 SET status = $2, overtime_started = $3, overtime_end_time = $4,
		     current_price = $5, current_bidder_id = NULLIF($6, ''), total_bids = $7,
		     cancel_reason = $8, updated_at = now()
		 WHERE id = $1`,
		t.auctionID, string(a.Status), a.OvertimeStarted, a.OvertimeEndTime,
		a.CurrentPrice, a.CurrentBidderID, a.TotalBids, a.CancelReason,
	)
	return err
}

func (t *pgTx) ActiveBid(ctx context.Context) (*model.Bid, error) {
	bids, err := t.BidsWithStatus(ctx, model.BidActive)
	if err != nil || len(bids) == 0 {
		return nil, err
	}
	return &bids[0], nil
}

func (t *pgTx) BidsWithStatus(ctx context.Context, statuses ...model.BidStatus) ([]model.Bid, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE auction_id = $1 AND status = ANY($2)
		 ORDER BY placed_at, id`, t.auctionID, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

func (t *pgTx) InsertBid(ctx context.Context, b *model.Bid) error {
	if b.AuctionID != t.auctionID {
		return fmt.Errorf("insert bid %s: auction %s is not locked", b.ID, b.AuctionID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, amount, status, placed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, string(b.Status), b.PlacedAt,
	)
	return err
}

func (t *pgTx) SetBidStatus(ctx context.Context, bidID string, status model.BidStatus) error {
	from := make([]string, 0, len(status.Predecessors()))
	for _, st := range status.Predecessors() {
		from = append(from, string(st))
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE bids SET status = $3, updated_at = now()
		 WHERE id = $1 AND auction_id = $2 AND status = ANY($4)`,
		bidID, t.auctionID, string(status), from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the bid is missing or it already left the
	// statuses that allow this change.
	var exists bool
	if err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bids WHERE id = $1 AND auction_id = $2)`,
		bidID, t.auctionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("set bid status %s: %w", bidID, ErrNotFound)
	}
	return nil
}
