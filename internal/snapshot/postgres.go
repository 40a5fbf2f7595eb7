package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"liqwatch/config"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

const enabledSettingsQuery = `
	SELECT user_id, enabled, threshold, exchange, pairs::text AS pairs
	FROM liquid_monitor_settings
	WHERE enabled = true`

type settingsRow struct {
	UserID    int64           `db:"user_id"`
	Enabled   bool            `db:"enabled"`
	Threshold sql.NullFloat64 `db:"threshold"`
	Exchange  sql.NullString  `db:"exchange"`
	Pairs     sql.NullString  `db:"pairs"`
}

// PostgresStore reads liquidation monitor settings written by the bot's
// setup flow.
type PostgresStore struct {
	db  *sqlx.DB
	log *logger.Log
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, log: logger.GetLogger()}
}

// OpenPostgres prepares a pool. No connection is made until the first fetch.
func OpenPostgres(cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return NewPostgresStore(db), nil
}

func (s *PostgresStore) Fetch(ctx context.Context) ([]models.Subscription, error) {
	var rows []settingsRow
	if err := s.db.SelectContext(ctx, &rows, enabledSettingsQuery); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	log := s.log.WithComponent("postgres_store")
	subs := make([]models.Subscription, 0, len(rows))
	for _, row := range rows {
		sub, err := row.subscription()
		if err != nil {
			log.WithError(err).WithField("user_id", row.UserID).Warn("skipping unreadable liquidation settings")
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r settingsRow) subscription() (models.Subscription, error) {
	var pairs []string
	if r.Pairs.Valid && strings.TrimSpace(r.Pairs.String) != "" {
		if err := json.Unmarshal([]byte(r.Pairs.String), &pairs); err != nil {
			return models.Subscription{}, fmt.Errorf("decode pairs: %w", err)
		}
	}
	threshold := decimal.Zero
	if r.Threshold.Valid {
		threshold = decimal.NewFromFloat(r.Threshold.Float64)
	}
	return models.Subscription{
		RecipientID:       fmt.Sprintf("%d", r.UserID),
		Enabled:           r.Enabled,
		Exchange:          strings.TrimSpace(r.Exchange.String),
		ThresholdNotional: threshold,
		Instruments:       pairs,
	}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
