package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"

	"listing-experiments/internal/models"
)

// PerformanceDB keeps the daily view history in PostgreSQL, for shops whose
// traffic export already lands there.
type PerformanceDB struct {
	conn *sql.DB
}

func NewPerformanceDB(host, port, user, password, dbname string) (*PerformanceDB, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	return &PerformanceDB{conn: conn}, nil
}

// NewPerformanceDBFromConn wraps an open connection.
func NewPerformanceDBFromConn(conn *sql.DB) *PerformanceDB {
	return &PerformanceDB{conn: conn}
}

func (db *PerformanceDB) Close() error {
	return db.conn.Close()
}

// InitSchema creates the listing_views table if it doesn't exist
func (db *PerformanceDB) InitSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS listing_views (
		shop_id BIGINT NOT NULL,
		snapshot_on DATE NOT NULL,
		listing_id BIGINT NOT NULL,
		views INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (shop_id, snapshot_on, listing_id)
	);

	CREATE INDEX IF NOT EXISTS idx_listing_views_listing ON listing_views(shop_id, listing_id);
	`

	_, err := db.conn.Exec(query)
	return err
}

// RecordPerformance upserts the views of every listing for date.
func (db *PerformanceDB) RecordPerformance(ctx context.Context, shopID int64, date string, views map[int64]int) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listing_views (shop_id, snapshot_on, listing_id, views)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shop_id, snapshot_on, listing_id) DO UPDATE SET
			views = EXCLUDED.views
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for listingID, v := range views {
		if _, err := stmt.ExecContext(ctx, shopID, date, listingID, v); err != nil {
			return fmt.Errorf("failed to record views of listing %d: %w", listingID, err)
		}
	}
	return tx.Commit()
}

// LoadHistory returns every recorded snapshot of the shop.
func (db *PerformanceDB) LoadHistory(ctx context.Context, shopID int64) (models.PerformanceHistory, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT to_char(snapshot_on, 'YYYY-MM-DD'), listing_id, views
		FROM listing_views
		WHERE shop_id = $1
		ORDER BY snapshot_on
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make(models.PerformanceHistory)
	for rows.Next() {
		var (
			date      string
			listingID int64
			views     int
		)
		if err := rows.Scan(&date, &listingID, &views); err != nil {
			return nil, err
		}
		snap, ok := history[date]
		if !ok {
			snap = make(map[string]int)
			history[date] = snap
		}
		snap[strconv.FormatInt(listingID, 10)] = views
	}
	return history, rows.Err()
}
