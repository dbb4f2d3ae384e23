package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-presence/internal/models"
)

// PostgresStore keeps presence rows in the active_users table
// (migrations/001_create_active_users.sql).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Upsert(ctx context.Context, r models.PresenceRecord) error {
	if err := Validate(r); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO active_users(id, role, vehicle_type, lat, lng, destination, telegram_username, last_seen, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET role=EXCLUDED.role, vehicle_type=EXCLUDED.vehicle_type, lat=EXCLUDED.lat, lng=EXCLUDED.lng,
			destination=EXCLUDED.destination, telegram_username=EXCLUDED.telegram_username, last_seen=EXCLUDED.last_seen, created_at=EXCLUDED.created_at`,
		r.ID, string(r.Role), string(r.VehicleType), r.Location.Lat, r.Location.Lng, r.Destination, r.ContactHandle, r.LastSeen, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM active_users WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) ListSince(ctx context.Context, sinceMs int64) ([]models.PresenceRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, role, vehicle_type, lat, lng, destination, telegram_username, last_seen, created_at
		FROM active_users WHERE last_seen > $1 ORDER BY created_at, id`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("select active users: %w", err)
	}
	defer rows.Close()

	out := make([]models.PresenceRecord, 0)
	for rows.Next() {
		var (
			r           models.PresenceRecord
			role, vtype string
		)
		if err := rows.Scan(&r.ID, &role, &vtype, &r.Location.Lat, &r.Location.Lng, &r.Destination, &r.ContactHandle, &r.LastSeen, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Role = models.Role(role)
		r.VehicleType = models.VehicleType(vtype)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteStale(ctx context.Context, beforeMs int64) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM active_users WHERE last_seen <= $1`, beforeMs)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
