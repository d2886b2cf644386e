package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the underlying handle for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) ListZones(ctx context.Context) ([]models.Zone, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, polygon, zone_type, COALESCE(parent_id, ''), priority, active FROM zones`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Zone
	for rows.Next() {
		var z models.Zone
		var poly []byte
		if err := rows.Scan(&z.ID, &z.Name, &poly, &z.Type, &z.ParentID, &z.Priority, &z.Active); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(poly, &z.Polygon); err != nil {
			return nil, fmt.Errorf("zone %s polygon: %w", z.ID, err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListPricingRules(ctx context.Context) ([]models.PricingRule, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, from_zone_id, to_zone_id, vehicle_type, amount, pricing_type, priority, active FROM pricing_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PricingRule
	for rows.Next() {
		var r models.PricingRule
		if err := rows.Scan(&r.ID, &r.FromZoneID, &r.ToZoneID, &r.VehicleType, &r.Amount, &r.Type, &r.Priority, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveDiscountConfig(ctx context.Context) (models.DiscountConfig, bool, error) {
	var cfg models.DiscountConfig
	var discounts []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, discounts, student_child_max_age, age_discounts_enabled FROM discount_configs WHERE active ORDER BY updated_at DESC LIMIT 1`).
		Scan(&cfg.ID, &cfg.Name, &discounts, &cfg.StudentChildMaxAge, &cfg.AgeDiscountsEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscountConfig{}, false, nil
	}
	if err != nil {
		return models.DiscountConfig{}, false, err
	}
	if err := json.Unmarshal(discounts, &cfg.Discounts); err != nil {
		return models.DiscountConfig{}, false, fmt.Errorf("discount config %s: %w", cfg.ID, err)
	}
	cfg.Active = true
	return cfg, true, nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	history, err := json.Marshal(r.History)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO rides(id, passenger_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon, price, status, history, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.PassengerID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon,
		r.Destination.Lat, r.Destination.Lon, r.Price, r.Status, history,
		r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) FinishRide(ctx context.Context, r *models.Ride) error {
	history, err := json.Marshal(r.History)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE rides SET driver_id=$1, status=$2, history=$3, updated_at=$4 WHERE id=$5`,
		r.DriverID, r.Status, history, time.Now(), r.ID)
	return err
}
