package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crop-auction/internal/biddingerrors"
	model "crop-auction/internal/models"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Dialect selects the SQL flavour of a SQLRepo
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// SQLRepo is a Ledger backed by database/sql. On Postgres the auction row is
// locked with SELECT ... FOR UPDATE; on SQLite the connection string carries
// _txlock=immediate so every transaction takes the single writer lock up front.
type SQLRepo struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects to the database, configures the pool and creates the schema
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLRepo, error) {
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		dsn = SQLiteDSN(dsn)
	default:
		return nil, fmt.Errorf("repository: unsupported dialect %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	repo := NewSQLRepo(db, dialect)
	if err := repo.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// SQLiteDSN turns a file path into a go-sqlite3 connection string with an
// immediate write lock, WAL journaling and a busy timeout. Strings already
// starting with "file:" are returned unchanged.
func SQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// NewSQLRepo wraps an already opened database
func NewSQLRepo(db *sql.DB, dialect Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect}
}

// InitSchema creates the ledger tables. Timestamps are stored as Unix
// nanoseconds so both dialects order and compare them identically.
func (r *SQLRepo) InitSchema(ctx context.Context) error {
	money := "NUMERIC"
	if r.dialect == DialectSQLite {
		// NUMERIC affinity in SQLite would coerce to REAL
		money = "TEXT"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS auctions (
			id VARCHAR(64) PRIMARY KEY,
			seller_id VARCHAR(255) NOT NULL,
			crop VARCHAR(60) NOT NULL,
			quantity ` + money + ` NOT NULL,
			unit VARCHAR(20) NOT NULL,
			starting_price ` + money + ` NOT NULL,
			current_bid ` + money + `,
			minimum_increment ` + money + ` NOT NULL,
			ends_at BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bids (
			id VARCHAR(64) PRIMARY KEY,
			auction_id VARCHAR(64) NOT NULL REFERENCES auctions(id),
			bidder_id VARCHAR(255) NOT NULL,
			amount ` + money + ` NOT NULL,
			accepted_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fraud_alerts (
			id VARCHAR(64) PRIMARY KEY,
			auction_id VARCHAR(64) NOT NULL REFERENCES auctions(id),
			bidder_id VARCHAR(255) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			raised_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auctions_status_ends ON auctions(status, ends_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_auction_accepted ON bids(auction_id, accepted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_alerts_auction ON fraud_alerts(auction_id)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: failed to create schema: %w", err)
		}
	}
	return nil
}

const auctionColumns = `id, seller_id, crop, quantity, unit, starting_price, current_bid, minimum_increment, ends_at, status, created_at, updated_at`

// CreateAuction inserts a new auction row
func (r *SQLRepo) CreateAuction(ctx context.Context, auction model.Auction) error {
	query := `INSERT INTO auctions (` + auctionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		auction.AuctionID,
		auction.SellerID,
		auction.Crop,
		auction.Quantity,
		auction.Unit,
		auction.StartingPrice,
		nullDecimal(auction.CurrentBid),
		auction.MinimumIncrement,
		toNanos(auction.EndsAt),
		string(auction.Status),
		toNanos(auction.CreatedAt),
		toNanos(auction.UpdatedAt),
	)
	if err != nil {
		err = r.classify("create auction "+auction.AuctionID, err)
		if errors.Is(err, biddingerrors.ErrDuplicateRecord) {
			return fmt.Errorf("create auction %s: %w", auction.AuctionID, biddingerrors.ErrDuplicateAuction)
		}
		return err
	}
	return nil
}

// GetAuction loads one auction
func (r *SQLRepo) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+auctionColumns+` FROM auctions WHERE id = ?`), auctionID)
	auction, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, r.classify("get auction "+auctionID, err)
	}
	return auction, nil
}

// ListAuctions returns auctions matching filter ordered by deadline
func (r *SQLRepo) ListAuctions(ctx context.Context, filter AuctionFilter) ([]model.Auction, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.EndsBefore.IsZero() {
		where = append(where, "ends_at <= ?")
		args = append(args, toNanos(filter.EndsBefore))
	}

	query := `SELECT ` + auctionColumns + ` FROM auctions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ends_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	return r.queryAuctions(ctx, "list auctions", r.rebind(query), args...)
}

// GetBidsByAuction returns the bid history of an auction in acceptance order
func (r *SQLRepo) GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := r.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}

	bids, err := r.queryBids(ctx, r.db, `SELECT id, auction_id, bidder_id, amount, accepted_at FROM bids WHERE auction_id = ? ORDER BY accepted_at ASC`, auctionID)
	if err != nil {
		return nil, r.classify("get bids for auction "+auctionID, err)
	}
	if len(bids) == 0 {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}
	return bids, nil
}

// GetAuctionsByBidder returns all auctions a user has bid on
func (r *SQLRepo) GetAuctionsByBidder(ctx context.Context, bidderID string) ([]model.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id IN (SELECT DISTINCT auction_id FROM bids WHERE bidder_id = ?) ORDER BY ends_at ASC, id ASC`
	auctions, err := r.queryAuctions(ctx, "get auctions for user "+bidderID, r.rebind(query), bidderID)
	if err != nil {
		return nil, err
	}
	if len(auctions) == 0 {
		return nil, fmt.Errorf("get auctions for user %s: %w", bidderID, biddingerrors.ErrUserNoBids)
	}
	return auctions, nil
}

// GetFraudAlerts returns the alerts raised on an auction
func (r *SQLRepo) GetFraudAlerts(ctx context.Context, auctionID string) ([]model.FraudAlert, error) {
	if _, err := r.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT id, auction_id, bidder_id, kind, message, raised_at FROM fraud_alerts WHERE auction_id = ? ORDER BY raised_at ASC, id ASC`), auctionID)
	if err != nil {
		return nil, r.classify("get fraud alerts for auction "+auctionID, err)
	}
	defer rows.Close()

	alerts := []model.FraudAlert{}
	for rows.Next() {
		var (
			alert    model.FraudAlert
			kind     string
			raisedAt int64
		)
		if err := rows.Scan(&alert.AlertID, &alert.AuctionID, &alert.BidderID, &kind, &alert.Message, &raisedAt); err != nil {
			return nil, r.classify("scan fraud alert", err)
		}
		alert.Kind = model.FraudKind(kind)
		alert.RaisedAt = fromNanos(raisedAt)
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify("get fraud alerts for auction "+auctionID, err)
	}
	return alerts, nil
}

// WithAuctionLock runs fn inside a database transaction holding the auction's write lock
func (r *SQLRepo) WithAuctionLock(ctx context.Context, auctionID string, fn func(tx AuctionTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.classify("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after Commit
	}()

	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = ?`
	if r.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	auction, err := scanAuction(tx.QueryRowContext(ctx, r.rebind(query), auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return r.classify("lock auction "+auctionID, err)
	}

	if err := fn(&sqlTx{repo: r, tx: tx, auction: auction}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return r.classify("commit auction "+auctionID, err)
	}
	return nil
}

// Close closes the database connection
func (r *SQLRepo) Close() error {
	return r.db.Close()
}

type sqlTx struct {
	repo    *SQLRepo
	tx      *sql.Tx
	auction model.Auction
}

func (t *sqlTx) Auction() model.Auction { return t.auction }

func (t *sqlTx) RecentBids(ctx context.Context, since time.Time) ([]model.Bid, error) {
	bids, err := t.repo.queryBids(ctx, t.tx, `SELECT id, auction_id, bidder_id, amount, accepted_at FROM bids WHERE auction_id = ? AND accepted_at >= ? ORDER BY accepted_at ASC`, t.auction.AuctionID, toNanos(since))
	if err != nil {
		return nil, t.repo.classify("recent bids for auction "+t.auction.AuctionID, err)
	}
	return bids, nil
}

func (t *sqlTx) InsertBid(ctx context.Context, bid model.Bid) error {
	_, err := t.tx.ExecContext(ctx, t.repo.rebind(`INSERT INTO bids (id, auction_id, bidder_id, amount, accepted_at) VALUES (?, ?, ?, ?, ?)`),
		bid.BidID, bid.AuctionID, bid.BidderID, bid.Amount, toNanos(bid.AcceptedAt))
	if err != nil {
		return t.repo.classify("insert bid "+bid.BidID, err)
	}
	return nil
}

func (t *sqlTx) UpdateAuction(ctx context.Context, auction model.Auction) error {
	res, err := t.tx.ExecContext(ctx, t.repo.rebind(`UPDATE auctions SET current_bid = ?, ends_at = ?, status = ?, updated_at = ? WHERE id = ?`),
		nullDecimal(auction.CurrentBid), toNanos(auction.EndsAt), string(auction.Status), toNanos(auction.UpdatedAt), auction.AuctionID)
	if err != nil {
		return t.repo.classify("update auction "+auction.AuctionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.repo.classify("update auction "+auction.AuctionID, err)
	}
	if n == 0 {
		return fmt.Errorf("update auction %s: %w", auction.AuctionID, biddingerrors.ErrAuctionNotFound)
	}
	return nil
}

func (t *sqlTx) InsertFraudAlert(ctx context.Context, alert model.FraudAlert) error {
	_, err := t.tx.ExecContext(ctx, t.repo.rebind(`INSERT INTO fraud_alerts (id, auction_id, bidder_id, kind, message, raised_at) VALUES (?, ?, ?, ?, ?, ?)`),
		alert.AlertID, alert.AuctionID, alert.BidderID, string(alert.Kind), alert.Message, toNanos(alert.RaisedAt))
	if err != nil {
		return t.repo.classify("insert fraud alert "+alert.AlertID, err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepo) queryAuctions(ctx context.Context, op, query string, args ...any) ([]model.Auction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.classify(op, err)
	}
	defer rows.Close()

	auctions := []model.Auction{}
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, r.classify(op, err)
		}
		auctions = append(auctions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(op, err)
	}
	return auctions, nil
}

func (r *SQLRepo) queryBids(ctx context.Context, q queryer, query string, args ...any) ([]model.Bid, error) {
	rows, err := q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bids := []model.Bid{}
	for rows.Next() {
		var (
			bid        model.Bid
			acceptedAt int64
		)
		if err := rows.Scan(&bid.BidID, &bid.AuctionID, &bid.BidderID, &bid.Amount, &acceptedAt); err != nil {
			return nil, err
		}
		bid.AcceptedAt = fromNanos(acceptedAt)
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortByAcceptance(bids)
	return bids, nil
}

func scanAuction(s rowScanner) (model.Auction, error) {
	var a model.Auction
	var current decimal.NullDecimal
	var status string
	var endsAt, createdAt, updatedAt int64
	err := s.Scan(&a.AuctionID, &a.SellerID, &a.Crop, &a.Quantity, &a.Unit, &a.StartingPrice,
		&current, &a.MinimumIncrement, &endsAt, &status, &createdAt, &updatedAt)
	if err != nil {
		return model.Auction{}, err
	}
	if current.Valid {
		bid := current.Decimal
		a.CurrentBid = &bid
	}
	a.Status = model.AuctionStatus(status)
	a.EndsAt = fromNanos(endsAt)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return a, nil
}

// classify maps driver errors onto the ledger's error taxonomy
func (r *SQLRepo) classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("repository: %s: %w: %w", op, biddingerrors.ErrConcurrencyConflict, err)
		case "23505": // unique_violation
			return fmt.Errorf("repository: %s: %w", op, biddingerrors.ErrDuplicateRecord)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("repository: %s: %w: %w", op, biddingerrors.ErrConcurrencyConflict, err)
		case liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || liteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("repository: %s: %w", op, biddingerrors.ErrDuplicateRecord)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("repository: %s: %w: %w", op, biddingerrors.ErrConcurrencyConflict, err)
	}

	return fmt.Errorf("repository: %s: %w: %w", op, biddingerrors.ErrPersistence, err)
}

// rebind rewrites ? placeholders to $n for Postgres
func (r *SQLRepo) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
