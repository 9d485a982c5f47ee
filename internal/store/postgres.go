package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"scooproute/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

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
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the pool for session-scoped helpers such as advisory locks.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded migrations in file-name order, recording
// each in schema_migrations so reruns are no-ops.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return err
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var done bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&done); err != nil {
			return err
		}
		if done {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports a SQLSTATE 23505 from the server.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isBadUUID reports a malformed uuid literal (SQLSTATE 22P02); callers
// treat it as a missing row.
func isBadUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) || isBadUUID(err) {
		return ErrNotFound
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func pqStringArray(v []string) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func nextCursor(n, limit int, last string) string {
	if n == limit {
		return last
	}
	return ""
}

// Clients & locations

func (p *Postgres) CreateClient(ctx context.Context, orgID string, in model.ClientInput) (model.Client, error) {
	c := model.Client{ID: uuid.New().String(), OrgID: orgID, Name: in.Name, Email: in.Email, Phone: in.Phone, Active: activeOr(in.Active, true)}
	err := p.db.QueryRowContext(ctx, `INSERT INTO clients (id, org_id, name, email, phone, active) VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		c.ID, orgID, c.Name, nullIfEmpty(c.Email), nullIfEmpty(c.Phone), c.Active).Scan(&c.CreatedAt)
	return c, err
}

const clientCols = `id::text, org_id, name, COALESCE(email,''), COALESCE(phone,''), active, created_at`

func scanClient(row interface{ Scan(...any) error }) (model.Client, error) {
	var c model.Client
	err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.Phone, &c.Active, &c.CreatedAt)
	return c, err
}

func (p *Postgres) ListClients(ctx context.Context, orgID, cursor string, limit int) ([]model.Client, string, error) {
	limit = clampLimit(limit)
	rows, err := p.db.QueryContext(ctx, `SELECT `+clientCols+` FROM clients WHERE org_id=$1 AND ($2='' OR id::text > $2) ORDER BY id LIMIT $3`, orgID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return out, "", rows.Err()
	}
	return out, nextCursor(len(out), limit, out[len(out)-1].ID), rows.Err()
}

func (p *Postgres) SetClientActive(ctx context.Context, orgID, id string, active bool) (model.Client, error) {
	c, err := scanClient(p.db.QueryRowContext(ctx, `UPDATE clients SET active=$3 WHERE org_id=$1 AND id::text=$2 RETURNING `+clientCols, orgID, id, active))
	return c, notFound(err)
}

const locationCols = `id::text, org_id, client_id::text, address_line1, COALESCE(address_line2,''), COALESCE(city,''), COALESCE(state,''), COALESCE(zip_code,''), lat, lng, COALESCE(gate_notes,''), active`

func scanLocation(row interface{ Scan(...any) error }) (model.Location, error) {
	var l model.Location
	var lat, lng sql.NullFloat64
	if err := row.Scan(&l.ID, &l.OrgID, &l.ClientID, &l.AddressLine1, &l.AddressLine2, &l.City, &l.State, &l.ZipCode, &lat, &lng, &l.GateNotes, &l.Active); err != nil {
		return l, err
	}
	if lat.Valid && lng.Valid {
		l.Geo = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	return l, nil
}

func geoArgs(g *model.GeoPoint) (any, any) {
	if g == nil {
		return nil, nil
	}
	return g.Lat, g.Lng
}

func (p *Postgres) CreateLocation(ctx context.Context, orgID, clientID string, in model.LocationInput) (model.Location, error) {
	var owner string
	if err := p.db.QueryRowContext(ctx, `SELECT org_id FROM clients WHERE id::text=$1`, clientID).Scan(&owner); err != nil || owner != orgID {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return model.Location{}, err
		}
		return model.Location{}, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	lat, lng := geoArgs(in.Geo)
	l, err := scanLocation(p.db.QueryRowContext(ctx, `INSERT INTO locations (id, org_id, client_id, address_line1, address_line2, city, state, zip_code, lat, lng, gate_notes, active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING `+locationCols,
		uuid.New().String(), orgID, clientID, in.AddressLine1, nullIfEmpty(in.AddressLine2), nullIfEmpty(in.City), nullIfEmpty(in.State),
		nullIfEmpty(in.ZipCode), lat, lng, nullIfEmpty(in.GateNotes), activeOr(in.Active, true)))
	return l, err
}

func (p *Postgres) SetLocationActive(ctx context.Context, orgID, id string, active bool) (model.Location, error) {
	l, err := scanLocation(p.db.QueryRowContext(ctx, `UPDATE locations SET active=$3 WHERE org_id=$1 AND id::text=$2 RETURNING `+locationCols, orgID, id, active))
	return l, notFound(err)
}

// Subscriptions

const subscriptionCols = `s.id::text, s.org_id, s.client_id::text, s.location_id::text, s.frequency, COALESCE(s.preferred_day,''), s.price_per_visit,
    COALESCE(to_char(s.next_service_date,'YYYY-MM-DD'),''), s.status, s.created_at`

func scanSubscription(row interface{ Scan(...any) error }, extra ...any) (model.Subscription, error) {
	var s model.Subscription
	dest := append([]any{&s.ID, &s.OrgID, &s.ClientID, &s.LocationID, &s.Frequency, &s.PreferredDay, &s.PricePerVisit, &s.NextServiceDate, &s.Status, &s.CreatedAt}, extra...)
	err := row.Scan(dest...)
	return s, err
}

func (p *Postgres) CreateSubscription(ctx context.Context, orgID string, in model.SubscriptionInput) (model.Subscription, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM locations l JOIN clients c ON c.id=l.client_id
        WHERE l.id::text=$1 AND c.id::text=$2 AND l.org_id=$3 AND c.org_id=$3`, in.LocationID, in.ClientID, orgID).Scan(&n); err != nil {
		return model.Subscription{}, notFound(err)
	}
	if n == 0 {
		return model.Subscription{}, fmt.Errorf("client %s / location %s: %w", in.ClientID, in.LocationID, ErrNotFound)
	}
	anchor := time.Now().UTC()
	if in.AnchorAt != nil {
		anchor = in.AnchorAt.UTC()
	}
	return scanSubscription(p.db.QueryRowContext(ctx, `INSERT INTO subscriptions AS s (id, org_id, client_id, location_id, frequency, preferred_day, price_per_visit, next_service_date, status, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8::date,'ACTIVE',$9) RETURNING `+subscriptionCols,
		uuid.New().String(), orgID, in.ClientID, in.LocationID, string(in.Frequency), nullIfEmpty(in.PreferredDay), in.PricePerVisit,
		nullIfEmpty(in.NextServiceDate), anchor))
}

func (p *Postgres) GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error) {
	s, err := scanSubscription(p.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions s WHERE s.org_id=$1 AND s.id::text=$2`, orgID, id))
	return s, notFound(err)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = clampLimit(limit)
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions s WHERE s.org_id=$1 AND ($2='' OR s.id::text > $2) ORDER BY s.id LIMIT $3`, orgID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return out, "", rows.Err()
	}
	return out, nextCursor(len(out), limit, out[len(out)-1].ID), rows.Err()
}

func (p *Postgres) PatchSubscription(ctx context.Context, orgID, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	sets := []string{}
	args := []any{orgID, id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != "" {
		add("status", string(patch.Status))
	}
	if patch.PreferredDay != nil {
		add("preferred_day", nullIfEmpty(*patch.PreferredDay))
	}
	if patch.PricePerVisit != nil {
		add("price_per_visit", *patch.PricePerVisit)
	}
	if patch.NextServiceDate != nil {
		args = append(args, nullIfEmpty(*patch.NextServiceDate))
		sets = append(sets, fmt.Sprintf("next_service_date=$%d::date", len(args)))
	}
	if len(sets) == 0 {
		return p.GetSubscription(ctx, orgID, id)
	}
	s, err := scanSubscription(p.db.QueryRowContext(ctx, `UPDATE subscriptions AS s SET `+strings.Join(sets, ", ")+` WHERE s.org_id=$1 AND s.id::text=$2 RETURNING `+subscriptionCols, args...))
	return s, notFound(err)
}

func (p *Postgres) ListSchedulableSubscriptions(ctx context.Context, orgID string) ([]model.SchedulableSubscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionCols+`, c.active, l.active
        FROM subscriptions s JOIN clients c ON c.id=s.client_id JOIN locations l ON l.id=s.location_id
        WHERE s.status='ACTIVE' AND ($1='' OR s.org_id=$1) ORDER BY s.org_id, s.created_at, s.id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.SchedulableSubscription{}
	for rows.Next() {
		var ss model.SchedulableSubscription
		s, err := scanSubscription(rows, &ss.ClientActive, &ss.LocationActive)
		if err != nil {
			return nil, err
		}
		ss.Subscription = s
		out = append(out, ss)
	}
	return out, rows.Err()
}

// Jobs

const jobCols = `j.id::text, j.org_id, COALESCE(j.subscription_id::text,''), j.client_id::text, j.location_id::text,
    to_char(j.scheduled_date,'YYYY-MM-DD'), j.status, j.price, COALESCE(rs.route_id::text,''), COALESCE(rs.stop_order,0), j.metadata::text, j.created_at`

const jobFrom = ` FROM jobs j LEFT JOIN route_stops rs ON rs.job_id=j.id`

func scanJob(row interface{ Scan(...any) error }, extra ...any) (model.Job, error) {
	var j model.Job
	var meta string
	dest := append([]any{&j.ID, &j.OrgID, &j.SubscriptionID, &j.ClientID, &j.LocationID, &j.ScheduledDate, &j.Status, &j.Price, &j.RouteID, &j.RouteOrder, &meta, &j.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return j, err
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &j.Metadata)
	}
	return j, nil
}

func metadataJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// insertJob inserts with ON CONFLICT DO NOTHING; a suppressed row reports
// created=false.
func (p *Postgres) insertJob(ctx context.Context, job model.Job) (bool, error) {
	meta, err := metadataJSON(job.Metadata)
	if err != nil {
		return false, err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobScheduled
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO jobs (id, org_id, subscription_id, client_id, location_id, scheduled_date, status, price, metadata)
        VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9::jsonb) ON CONFLICT DO NOTHING`,
		job.ID, job.OrgID, nullIfEmpty(job.SubscriptionID), job.ClientID, job.LocationID, job.ScheduledDate, string(job.Status), job.Price, string(meta))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) InsertScheduledJob(ctx context.Context, job model.Job) (bool, error) {
	if job.SubscriptionID == "" || job.ScheduledDate == "" {
		return false, fmt.Errorf("scheduled job needs subscription and date")
	}
	return p.insertJob(ctx, job)
}

func (p *Postgres) InsertOneTimeJob(ctx context.Context, job model.Job) (bool, error) {
	if job.SubscriptionID == "" {
		return false, fmt.Errorf("one-time job needs a subscription")
	}
	meta := map[string]any{"kind": oneTimeKind}
	for k, v := range job.Metadata {
		meta[k] = v
	}
	job.Metadata = meta
	return p.insertJob(ctx, job)
}

func (p *Postgres) CreateJob(ctx context.Context, orgID string, in model.JobInput) (model.Job, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM locations l WHERE l.id::text=$1 AND l.client_id::text=$2 AND l.org_id=$3`,
		in.LocationID, in.ClientID, orgID).Scan(&n); err != nil {
		return model.Job{}, err
	}
	if n == 0 {
		return model.Job{}, fmt.Errorf("client %s / location %s: %w", in.ClientID, in.LocationID, ErrNotFound)
	}
	job := model.Job{ID: uuid.New().String(), OrgID: orgID, SubscriptionID: in.SubscriptionID, ClientID: in.ClientID, LocationID: in.LocationID,
		ScheduledDate: in.ScheduledDate, Status: model.JobScheduled, Price: in.Price, Metadata: in.Metadata}
	created, err := p.insertJob(ctx, job)
	if err != nil {
		return model.Job{}, err
	}
	if !created {
		return model.Job{}, fmt.Errorf("job for subscription on %s: %w", in.ScheduledDate, ErrConflict)
	}
	return p.GetJob(ctx, orgID, job.ID)
}

func (p *Postgres) GetJob(ctx context.Context, orgID, id string) (model.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobCols+jobFrom+` WHERE j.org_id=$1 AND j.id::text=$2`, orgID, id))
	return j, notFound(err)
}

func (p *Postgres) ListJobs(ctx context.Context, orgID string, f model.JobFilter) ([]model.Job, string, error) {
	limit := clampLimit(f.Limit)
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobCols+jobFrom+`
        WHERE j.org_id=$1 AND ($2='' OR j.scheduled_date=$2::date) AND ($3='' OR j.status=$3)
          AND ($4='' OR rs.route_id::text=$4) AND ($5='' OR j.id::text > $5)
        ORDER BY j.id LIMIT $6`, orgID, f.Date, string(f.Status), f.RouteID, f.Cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, j)
	}
	if len(out) == 0 {
		return out, "", rows.Err()
	}
	return out, nextCursor(len(out), limit, out[len(out)-1].ID), rows.Err()
}

const jobLocationCols = jobCols + `, l.address_line1, COALESCE(l.zip_code,''), l.lat, l.lng`

func scanJobWithLocation(row interface{ Scan(...any) error }, extra ...any) (model.JobWithLocation, error) {
	var jl model.JobWithLocation
	var lat, lng sql.NullFloat64
	j, err := scanJob(row, append([]any{&jl.AddressLine1, &jl.ZipCode, &lat, &lng}, extra...)...)
	if err != nil {
		return jl, err
	}
	jl.Job = j
	if lat.Valid && lng.Valid {
		jl.Geo = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	return jl, nil
}

func (p *Postgres) GetJobsWithLocation(ctx context.Context, orgID string, ids []string) ([]model.JobWithLocation, error) {
	if len(ids) == 0 {
		return []model.JobWithLocation{}, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobLocationCols+jobFrom+` JOIN locations l ON l.id=j.location_id
        WHERE j.org_id=$1 AND j.id::text = ANY($2)`, orgID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]model.JobWithLocation, len(ids))
	for rows.Next() {
		jl, err := scanJobWithLocation(rows)
		if err != nil {
			return nil, err
		}
		byID[jl.ID] = jl
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.JobWithLocation, 0, len(ids))
	for _, id := range ids {
		jl, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		out = append(out, jl)
	}
	return out, nil
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, orgID, id string, from, to model.JobStatus) (model.Job, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status=$4 WHERE org_id=$1 AND id::text=$2 AND status=$3`, orgID, id, string(from), string(to))
	if err != nil {
		return model.Job{}, notFound(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := p.GetJob(ctx, orgID, id)
		if err != nil {
			return model.Job{}, err
		}
		return model.Job{}, fmt.Errorf("job status is %s: %w", cur.Status, ErrConflict)
	}
	return p.GetJob(ctx, orgID, id)
}

// Routes

func (p *Postgres) CreateRoute(ctx context.Context, orgID string, in model.RouteInput, jobIDs []string) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	routeID := uuid.New().String()
	if _, err := tx.ExecContext(ctx, `INSERT INTO routes (id, org_id, name, route_date, assigned_to, status, version) VALUES ($1,$2,$3,$4::date,$5,'PLANNED',1)`,
		routeID, orgID, in.Name, in.Date, nullIfEmpty(in.AssignedTo)); err != nil {
		return model.Route{}, err
	}
	for i, jid := range jobIDs {
		var owner string
		if err := tx.QueryRowContext(ctx, `SELECT org_id FROM jobs WHERE id::text=$1`, jid).Scan(&owner); err != nil || owner != orgID {
			if err != nil && !errors.Is(notFound(err), ErrNotFound) {
				return model.Route{}, err
			}
			return model.Route{}, fmt.Errorf("job %s: %w", jid, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops (id, route_id, job_id, stop_order) VALUES ($1,$2,$3,$4)`,
			uuid.New().String(), routeID, jid, i+1); err != nil {
			if isUniqueViolation(err) {
				return model.Route{}, fmt.Errorf("job %s already routed: %w", jid, ErrConflict)
			}
			return model.Route{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, orgID, routeID)
}

const routeCols = `id::text, org_id, name, to_char(route_date,'YYYY-MM-DD'), COALESCE(assigned_to,''), status, version, created_at`

func scanRoute(row interface{ Scan(...any) error }) (model.Route, error) {
	var r model.Route
	err := row.Scan(&r.ID, &r.OrgID, &r.Name, &r.Date, &r.AssignedTo, &r.Status, &r.Version, &r.CreatedAt)
	return r, err
}

func (p *Postgres) loadStops(ctx context.Context, r *model.Route) error {
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobLocationCols+`, rs.id::text
        FROM route_stops rs JOIN jobs j ON j.id=rs.job_id JOIN locations l ON l.id=j.location_id
        WHERE rs.route_id::text=$1 ORDER BY rs.stop_order`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	r.Stops = []model.RouteStop{}
	for rows.Next() {
		var stopID string
		jl, err := scanJobWithLocation(rows, &stopID)
		if err != nil {
			return err
		}
		r.Stops = append(r.Stops, model.RouteStop{ID: stopID, RouteID: r.ID, JobID: jl.ID, StopOrder: jl.RouteOrder, Job: &jl})
	}
	return rows.Err()
}

func (p *Postgres) GetRoute(ctx context.Context, orgID, routeID string) (model.Route, error) {
	r, err := scanRoute(p.db.QueryRowContext(ctx, `SELECT `+routeCols+` FROM routes WHERE org_id=$1 AND id::text=$2`, orgID, routeID))
	if err != nil {
		return model.Route{}, notFound(err)
	}
	if err := p.loadStops(ctx, &r); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, orgID, date, cursor string, limit int) ([]model.Route, string, error) {
	limit = clampLimit(limit)
	rows, err := p.db.QueryContext(ctx, `SELECT `+routeCols+` FROM routes WHERE org_id=$1 AND ($2='' OR route_date=$2::date) AND ($3='' OR id::text > $3) ORDER BY id LIMIT $4`,
		orgID, date, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	out := []model.Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			rows.Close()
			return nil, "", err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	for i := range out {
		if err := p.loadStops(ctx, &out[i]); err != nil {
			return nil, "", err
		}
	}
	if len(out) == 0 {
		return out, "", nil
	}
	return out, nextCursor(len(out), limit, out[len(out)-1].ID), nil
}

func (p *Postgres) PatchRoute(ctx context.Context, orgID, routeID string, from model.RouteStatus, patch model.RoutePatch) (model.Route, error) {
	sets := []string{"version=version+1"}
	args := []any{orgID, routeID, string(from)}
	if patch.Name != nil {
		args = append(args, *patch.Name)
		sets = append(sets, fmt.Sprintf("name=$%d", len(args)))
	}
	if patch.AssignedTo != nil {
		args = append(args, nullIfEmpty(*patch.AssignedTo))
		sets = append(sets, fmt.Sprintf("assigned_to=$%d", len(args)))
	}
	if patch.Status != "" {
		args = append(args, string(patch.Status))
		sets = append(sets, fmt.Sprintf("status=$%d", len(args)))
	}
	res, err := p.db.ExecContext(ctx, `UPDATE routes SET `+strings.Join(sets, ", ")+` WHERE org_id=$1 AND id::text=$2 AND ($3='' OR status=$3)`, args...)
	if err != nil {
		return model.Route{}, notFound(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		status, err := p.routeStatus(ctx, orgID, routeID)
		if err != nil {
			return model.Route{}, err
		}
		return model.Route{}, fmt.Errorf("route status is %s: %w", status, ErrConflict)
	}
	return p.GetRoute(ctx, orgID, routeID)
}

func (p *Postgres) routeStatus(ctx context.Context, orgID, routeID string) (model.RouteStatus, error) {
	var status model.RouteStatus
	err := p.db.QueryRowContext(ctx, `SELECT status FROM routes WHERE org_id=$1 AND id::text=$2`, orgID, routeID).Scan(&status)
	return status, notFound(err)
}

func (p *Postgres) DeleteRoute(ctx context.Context, orgID, routeID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM routes WHERE org_id=$1 AND id::text=$2 AND status<>'IN_PROGRESS'`, orgID, routeID)
	if err != nil {
		return notFound(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.routeStatus(ctx, orgID, routeID); err != nil {
			return err
		}
		return ErrRouteInProgress
	}
	return nil
}

// lockRoute takes a row lock on the route for the rest of tx and refuses a
// COMPLETED route, so the status cannot change between check and write.
func lockRoute(ctx context.Context, tx *sql.Tx, orgID, routeID string) error {
	var status model.RouteStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM routes WHERE org_id=$1 AND id::text=$2 FOR UPDATE`, orgID, routeID).Scan(&status)
	if err != nil {
		return notFound(err)
	}
	if status == model.RouteCompleted {
		return ErrRouteCompleted
	}
	return nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx, routeID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE routes SET version=version+1 WHERE id::text=$1`, routeID)
	return err
}

func (p *Postgres) ApplyStopOrder(ctx context.Context, orgID, routeID string, jobIDs []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := lockRoute(ctx, tx, orgID, routeID); err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, `SELECT job_id::text FROM route_stops WHERE route_id::text=$1`, routeID)
	if err != nil {
		return err
	}
	current := map[string]bool{}
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			rows.Close()
			return err
		}
		current[jid] = true
	}
	rows.Close()
	if len(current) != len(jobIDs) {
		return fmt.Errorf("route has %d stops, order lists %d: %w", len(current), len(jobIDs), ErrConflict)
	}
	for i, jid := range jobIDs {
		if !current[jid] {
			return fmt.Errorf("job %s is not on route: %w", jid, ErrConflict)
		}
		delete(current, jid)
		if _, err := tx.ExecContext(ctx, `UPDATE route_stops SET stop_order=$3 WHERE route_id::text=$1 AND job_id::text=$2`, routeID, jid, i+1); err != nil {
			return err
		}
	}
	if err := bumpVersion(ctx, tx, routeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) InsertStop(ctx context.Context, orgID, routeID, jobID string, position int) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := lockRoute(ctx, tx, orgID, routeID); err != nil {
		return model.Route{}, err
	}
	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT org_id FROM jobs WHERE id::text=$1`, jobID).Scan(&owner); err != nil || owner != orgID {
		if err != nil && !errors.Is(notFound(err), ErrNotFound) {
			return model.Route{}, err
		}
		return model.Route{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM route_stops WHERE route_id::text=$1`, routeID).Scan(&count); err != nil {
		return model.Route{}, err
	}
	if position <= 0 || position > count+1 {
		position = count + 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE route_stops SET stop_order=stop_order+1 WHERE route_id::text=$1 AND stop_order >= $2`, routeID, position); err != nil {
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops (id, route_id, job_id, stop_order) VALUES ($1,$2,$3,$4)`,
		uuid.New().String(), routeID, jobID, position); err != nil {
		if isUniqueViolation(err) {
			return model.Route{}, fmt.Errorf("job %s already routed: %w", jobID, ErrConflict)
		}
		return model.Route{}, err
	}
	if err := bumpVersion(ctx, tx, routeID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return model.Route{}, fmt.Errorf("stop order collision: %w", ErrConflict)
		}
		return model.Route{}, err
	}
	return p.GetRoute(ctx, orgID, routeID)
}

func (p *Postgres) RemoveStop(ctx context.Context, orgID, routeID, jobID string) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := lockRoute(ctx, tx, orgID, routeID); err != nil {
		return model.Route{}, err
	}
	var removed int
	err = tx.QueryRowContext(ctx, `DELETE FROM route_stops WHERE route_id::text=$1 AND job_id::text=$2 RETURNING stop_order`, routeID, jobID).Scan(&removed)
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return model.Route{}, fmt.Errorf("job %s is not on route: %w", jobID, ErrNotFound)
		}
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE route_stops SET stop_order=stop_order-1 WHERE route_id::text=$1 AND stop_order > $2`, routeID, removed); err != nil {
		return model.Route{}, err
	}
	if err := bumpVersion(ctx, tx, routeID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, orgID, routeID)
}

func (p *Postgres) RouteStats(ctx context.Context, orgID, date string) (map[string]any, error) {
	var routes, stops int
	if err := p.db.QueryRowContext(ctx, `SELECT count(DISTINCT r.id), count(rs.id) FROM routes r LEFT JOIN route_stops rs ON rs.route_id=r.id
        WHERE r.org_id=$1 AND r.route_date=$2::date`, orgID, date).Scan(&routes, &stops); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT j.status, count(*), count(*) FILTER (WHERE rs.id IS NULL)`+jobFrom+`
        WHERE j.org_id=$1 AND j.scheduled_date=$2::date GROUP BY j.status`, orgID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byStatus := map[string]int{}
	jobs, unrouted := 0, 0
	for rows.Next() {
		var status string
		var n, u int
		if err := rows.Scan(&status, &n, &u); err != nil {
			return nil, err
		}
		byStatus[status] = n
		jobs += n
		unrouted += u
	}
	return map[string]any{"date": date, "routes": routes, "stops": stops, "jobs": jobs, "unroutedJobs": unrouted, "jobsByStatus": byStatus}, rows.Err()
}

// Webhook endpoints

func (p *Postgres) CreateWebhook(ctx context.Context, orgID string, req model.WebhookRequest) (model.Webhook, error) {
	w := model.Webhook{ID: uuid.New().String(), OrgID: orgID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_endpoints (id, org_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		w.ID, orgID, w.URL, pqStringArray(w.Events), nullIfEmpty(w.Secret))
	return w, err
}

func (p *Postgres) queryWebhooks(ctx context.Context, q string, args ...any) ([]model.Webhook, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		var w model.Webhook
		var events string
		if err := rows.Scan(&w.ID, &w.OrgID, &w.URL, &events, &w.Secret); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const webhookCols = `id::text, org_id, url, COALESCE(array_to_json(events)::text,'[]'), COALESCE(secret,'')`

func (p *Postgres) ListWebhooks(ctx context.Context, orgID string) ([]model.Webhook, error) {
	return p.queryWebhooks(ctx, `SELECT `+webhookCols+` FROM webhook_endpoints WHERE org_id=$1 ORDER BY created_at`, orgID)
}

func (p *Postgres) DeleteWebhook(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE org_id=$1 AND id::text=$2`, orgID, id)
	if err != nil {
		return notFound(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetWebhooksForEvent(ctx context.Context, orgID, eventType string) ([]model.Webhook, error) {
	return p.queryWebhooks(ctx, `SELECT `+webhookCols+` FROM webhook_endpoints WHERE org_id=$1 AND ($2 = ANY(events) OR '*' = ANY(events))`, orgID, eventType)
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, orgID, webhookID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, org_id, webhook_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (org_id, event_type, url, dedup_key) DO NOTHING`, id, orgID, nullIfEmpty(webhookID), eventType, url, nullIfEmpty(secret), payload, computeDedupKey(payload))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, org_id, COALESCE(webhook_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.OrgID, &d.WebhookID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, response_code=$2, latency_ms=$3, delivered_at=now() WHERE id::text=$1`,
			id, responseCode, latencyMs)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4, next_attempt_at=$5 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs, next)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
	limit = clampLimit(limit)
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(webhook_id::text,''), event_type, status, attempts, url, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0)
        FROM webhook_deliveries WHERE org_id=$1 AND ($2='' OR status=$2) AND ($3='' OR id::text > $3) ORDER BY id LIMIT $4`, orgID, status, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	last := ""
	for rows.Next() {
		var id, webhookID, eventType, st, url, lastErr string
		var attempts, code int
		var next time.Time
		if err := rows.Scan(&id, &webhookID, &eventType, &st, &attempts, &url, &next, &lastErr, &code); err != nil {
			return nil, "", err
		}
		item := map[string]any{"id": id, "webhookId": webhookID, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
		if st == "pending" || st == "retry" {
			item["nextAttemptAt"] = next
		}
		if lastErr != "" {
			item["lastError"] = lastErr
		}
		if code != 0 {
			item["responseCode"] = code
		}
		out = append(out, item)
		last = id
	}
	return out, nextCursor(len(out), limit, last), rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE org_id=$1 AND id::text=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
