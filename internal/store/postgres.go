package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a bot or subscription row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool holding bot and subscription records.
type DB struct {
	pool *pgxpool.Pool
}

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

const botColumns = `id, owner_id, token, username, name, admin_id, channel_id,
	status, process_id, created_at, last_activity`

func scanBot(row pgx.Row) (*Bot, error) {
	var b Bot
	err := row.Scan(
		&b.ID, &b.OwnerID, &b.Token, &b.Username, &b.Name,
		&b.AdminID, &b.ChannelID, &b.Status, &b.ProcessID,
		&b.CreatedAt, &b.LastActivity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AddBot inserts a new bot record with status "pending" and returns its id.
func (db *DB) AddBot(ctx context.Context, ownerID int64, token, username, name string) (int64, error) {
	query := `
		INSERT INTO bots (owner_id, token, username, name, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	if err := db.pool.QueryRow(ctx, query, ownerID, token, username, name, StatusPending).Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting bot: %w", err)
	}
	return id, nil
}

// GetBot retrieves a single bot by id.
func (db *DB) GetBot(ctx context.Context, id int64) (*Bot, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("querying bot %d: %w", id, err)
	}
	return b, nil
}

// GetBotByToken retrieves a bot by its runtime token. Tokens are unique, so
// this doubles as the idempotent-redeploy lookup.
func (db *DB) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE token = $1`, token)
	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("querying bot by token: %w", err)
	}
	return b, nil
}

// GetAllBots returns every bot record, newest first.
func (db *DB) GetAllBots(ctx context.Context) ([]Bot, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bot row: %w", err)
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

// GetUserBots returns all bots owned by a user, newest first.
func (db *DB) GetUserBots(ctx context.Context, ownerID int64) ([]Bot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+botColumns+` FROM bots WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying bots for user %d: %w", ownerID, err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bot row: %w", err)
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

// UpdateBotStatus updates a bot's lifecycle status and, when pid is non-nil,
// its last known process id. last_activity is always refreshed.
func (db *DB) UpdateBotStatus(ctx context.Context, id int64, status string, pid *int) error {
	var err error
	if pid != nil {
		_, err = db.pool.Exec(ctx,
			`UPDATE bots SET status = $1, process_id = $2, last_activity = now() WHERE id = $3`,
			status, *pid, id)
	} else {
		_, err = db.pool.Exec(ctx,
			`UPDATE bots SET status = $1, last_activity = now() WHERE id = $2`,
			status, id)
	}
	if err != nil {
		return fmt.Errorf("updating bot %d status: %w", id, err)
	}
	return nil
}

// UpdateBotAdminChannel sets the per-bot admin and channel overrides.
func (db *DB) UpdateBotAdminChannel(ctx context.Context, id int64, adminID *int64, channelID *string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE bots SET admin_id = $1, channel_id = $2 WHERE id = $3`,
		adminID, channelID, id)
	if err != nil {
		return fmt.Errorf("updating bot %d admin/channel: %w", id, err)
	}
	return nil
}

// DeleteBot removes a bot owned by ownerID along with its subscriptions.
// Returns ErrNotFound when the bot does not exist or is owned by someone else.
func (db *DB) DeleteBot(ctx context.Context, id, ownerID int64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delete for bot %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner int64
	err = tx.QueryRow(ctx, `SELECT owner_id FROM bots WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking bot %d ownership: %w", id, err)
	}
	if owner != ownerID {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM subscriptions WHERE bot_id = $1`, id); err != nil {
		return fmt.Errorf("deleting subscriptions for bot %d: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting bot %d: %w", id, err)
	}

	return tx.Commit(ctx)
}

// AddSubscription creates a new subscription for a bot and atomically
// deactivates any previously active row, so at most one row per bot has the
// active flag set.
func (db *DB) AddSubscription(ctx context.Context, botID int64, plan string, duration time.Duration) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning subscription insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE subscriptions SET active = false WHERE bot_id = $1 AND active`, botID); err != nil {
		return 0, fmt.Errorf("deactivating previous subscription for bot %d: %w", botID, err)
	}

	start := time.Now()
	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO subscriptions (bot_id, plan, start_date, end_date, active)
		VALUES ($1, $2, $3, $4, true)
		RETURNING id`,
		botID, plan, start, start.Add(duration)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting subscription for bot %d: %w", botID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing subscription for bot %d: %w", botID, err)
	}
	return id, nil
}

// GetBotSubscription returns the active subscription row for a bot, or
// ErrNotFound when none exists.
func (db *DB) GetBotSubscription(ctx context.Context, botID int64) (*Subscription, error) {
	var s Subscription
	err := db.pool.QueryRow(ctx, `
		SELECT id, bot_id, plan, start_date, end_date, active
		FROM subscriptions
		WHERE bot_id = $1 AND active
		ORDER BY end_date DESC
		LIMIT 1`, botID).Scan(&s.ID, &s.BotID, &s.Plan, &s.StartDate, &s.EndDate, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription for bot %d: %w", botID, err)
	}
	return &s, nil
}

// IsSubscriptionActive reports whether the bot has an active subscription
// whose end date is still in the future.
func (db *DB) IsSubscriptionActive(ctx context.Context, botID int64) (bool, error) {
	sub, err := db.GetBotSubscription(ctx, botID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().Before(sub.EndDate), nil
}

// DeactivateSubscription clears the active flag on a bot's subscription.
func (db *DB) DeactivateSubscription(ctx context.Context, botID int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE subscriptions SET active = false WHERE bot_id = $1 AND active`, botID)
	if err != nil {
		return fmt.Errorf("deactivating subscription for bot %d: %w", botID, err)
	}
	return nil
}
