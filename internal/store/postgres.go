package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"courierlive/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	p := &Postgres{db: db}
	if err := p.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL UNIQUE,
			courier_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL REFERENCES routes(id),
			order_token TEXT NOT NULL UNIQUE,
			sort_order INT NOT NULL,
			address TEXT NOT NULL,
			target_lat DOUBLE PRECISION,
			target_lng DOUBLE PRECISION,
			status TEXT NOT NULL,
			resolution JSONB,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS locations (
			route_id TEXT PRIMARY KEY REFERENCES routes(id),
			courier_id TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lng DOUBLE PRECISION NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			delivery_id TEXT,
			sender TEXT NOT NULL,
			scope TEXT NOT NULL,
			body TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) SaveRoute(ctx context.Context, r model.Route) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO routes (id, access_token, courier_id, status, created_at, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, started_at=EXCLUDED.started_at`,
		r.ID, r.AccessToken, r.CourierID, r.Status, r.CreatedAt, r.StartedAt)
	if err != nil {
		return err
	}
	for _, d := range r.Deliveries {
		var lat, lng any
		if d.Target != nil {
			lat, lng = d.Target.Lat, d.Target.Lng
		}
		var res any
		if d.Resolution != nil {
			b, err := json.Marshal(d.Resolution)
			if err != nil {
				return err
			}
			res = b
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO deliveries (id, route_id, order_token, sort_order, address, target_lat, target_lng, status, resolution, resolved_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, target_lat=EXCLUDED.target_lat, target_lng=EXCLUDED.target_lng, resolution=EXCLUDED.resolution, resolved_at=EXCLUDED.resolved_at`,
			d.ID, r.ID, d.OrderToken, d.SortOrder, d.Address, lat, lng, d.Status, res, d.ResolvedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
	return p.getRoute(ctx, `WHERE id=$1`, id)
}

func (p *Postgres) GetRouteByToken(ctx context.Context, token string) (model.Route, error) {
	return p.getRoute(ctx, `WHERE access_token=$1`, token)
}

func (p *Postgres) GetRouteByOrderToken(ctx context.Context, orderToken string) (model.Route, model.Delivery, error) {
	var routeID string
	err := p.db.QueryRowContext(ctx, `SELECT route_id FROM deliveries WHERE order_token=$1`, orderToken).Scan(&routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, model.Delivery{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, model.Delivery{}, err
	}
	r, err := p.GetRoute(ctx, routeID)
	if err != nil {
		return model.Route{}, model.Delivery{}, err
	}
	for _, d := range r.Deliveries {
		if d.OrderToken == orderToken {
			return r, d, nil
		}
	}
	return model.Route{}, model.Delivery{}, ErrNotFound
}

func (p *Postgres) getRoute(ctx context.Context, where string, arg any) (model.Route, error) {
	var r model.Route
	var started sql.NullTime
	row := p.db.QueryRowContext(ctx, `SELECT id, access_token, courier_id, status, created_at, started_at FROM routes `+where, arg)
	if err := row.Scan(&r.ID, &r.AccessToken, &r.CourierID, &r.Status, &r.CreatedAt, &started); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, order_token, sort_order, address, target_lat, target_lng, status, resolution, resolved_at
		FROM deliveries WHERE route_id=$1 ORDER BY sort_order`, r.ID)
	if err != nil {
		return r, err
	}
	defer rows.Close()
	for rows.Next() {
		var d model.Delivery
		var lat, lng sql.NullFloat64
		var res []byte
		var resolved sql.NullTime
		if err := rows.Scan(&d.ID, &d.OrderToken, &d.SortOrder, &d.Address, &lat, &lng, &d.Status, &res, &resolved); err != nil {
			return r, err
		}
		d.RouteID = r.ID
		if lat.Valid && lng.Valid {
			d.Target = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
		}
		if len(res) > 0 {
			var rr model.Resolution
			if err := json.Unmarshal(res, &rr); err == nil {
				d.Resolution = &rr
			}
		}
		if resolved.Valid {
			t := resolved.Time
			d.ResolvedAt = &t
		}
		r.Deliveries = append(r.Deliveries, d)
	}
	return r, rows.Err()
}

func (p *Postgres) ListActiveRoutes(ctx context.Context) ([]model.Route, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM routes WHERE status=$1`, model.RouteActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := []model.Route{}
	for _, id := range ids {
		r, err := p.GetRoute(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) SaveLocation(ctx context.Context, s model.LocationSample) error {
	// the upsert keeps only the newest sample per route
	_, err := p.db.ExecContext(ctx, `INSERT INTO locations (route_id, courier_id, lat, lng, ts)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (route_id) DO UPDATE SET courier_id=EXCLUDED.courier_id, lat=EXCLUDED.lat, lng=EXCLUDED.lng, ts=EXCLUDED.ts
		WHERE locations.ts <= EXCLUDED.ts`,
		s.RouteID, s.CourierID, s.Position.Lat, s.Position.Lng, s.TS)
	return err
}

func (p *Postgres) GetLocation(ctx context.Context, routeID string) (model.LocationSample, error) {
	var s model.LocationSample
	var ts time.Time
	row := p.db.QueryRowContext(ctx, `SELECT route_id, courier_id, lat, lng, ts FROM locations WHERE route_id=$1`, routeID)
	if err := row.Scan(&s.RouteID, &s.CourierID, &s.Position.Lat, &s.Position.Lng, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.TS = ts
	return s, nil
}

func (p *Postgres) AppendChatMessage(ctx context.Context, m model.ChatMessage) error {
	var deliveryID any
	if m.DeliveryID != "" {
		deliveryID = m.DeliveryID
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO chat_messages (id, route_id, delivery_id, sender, scope, body, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.RouteID, deliveryID, m.Sender, m.Scope, m.Text, m.TS)
	return err
}

func (p *Postgres) ListChat(ctx context.Context, routeID, deliveryID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if deliveryID != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id, route_id, delivery_id, sender, scope, body, ts FROM chat_messages
			WHERE delivery_id=$1 ORDER BY ts DESC LIMIT $2`, deliveryID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id, route_id, delivery_id, sender, scope, body, ts FROM chat_messages
			WHERE route_id=$1 AND delivery_id IS NULL ORDER BY ts DESC LIMIT $2`, routeID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ChatMessage{}
	for rows.Next() {
		var m model.ChatMessage
		var did sql.NullString
		if err := rows.Scan(&m.ID, &m.RouteID, &did, &m.Sender, &m.Scope, &m.Text, &m.TS); err != nil {
			return nil, err
		}
		m.DeliveryID = did.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest last, matching the in-memory store
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (p *Postgres) Close() error { return p.db.Close() }
