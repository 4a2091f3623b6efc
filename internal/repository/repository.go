// Package repository is the façade over PostgreSQL persistence: first
// detection records, access conditions, area table, history queries
// and the bird-risk log, plus the controller/pilot interaction log.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/model"
)

// opTimeout bounds every database call; an expired call fails the
// operation but does not tear down the connection (§5).
const opTimeout = 2 * time.Second

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Repository wraps a PostgreSQL connection and the local image output
// directory.
type Repository struct {
	db        *sql.DB
	imageDir  string
}

// New opens the database connection and verifies it with a ping.
func New(dsn, imageDir string) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("repository: ping: %w", err)
	}
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create image dir: %w", err)
	}
	return &Repository{db: db, imageDir: imageDir}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Init creates the required tables if they don't already exist.
func (r *Repository) Init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS areas (
		id   INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		x1 DOUBLE PRECISION NOT NULL,
		y1 DOUBLE PRECISION NOT NULL,
		x2 DOUBLE PRECISION NOT NULL,
		y2 DOUBLE PRECISION NOT NULL
	);

	CREATE TABLE IF NOT EXISTS access_conditions (
		area_id INTEGER PRIMARY KEY,
		level   INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS first_detections (
		object_id    BIGINT PRIMARY KEY,
		event_type   INTEGER NOT NULL,
		class        TEXT NOT NULL,
		area_id      INTEGER,
		map_x        INTEGER NOT NULL,
		map_y        INTEGER NOT NULL,
		rescue_level INTEGER,
		observed_at  TIMESTAMPTZ NOT NULL,
		image_path   TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS bird_risk_log (
		id          BIGSERIAL PRIMARY KEY,
		prev_level  INTEGER NOT NULL,
		curr_level  INTEGER NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS interaction_log (
		id          BIGSERIAL PRIMARY KEY,
		channel     TEXT NOT NULL,
		request     TEXT NOT NULL,
		response    TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("repository: init schema: %w", err)
	}
	return nil
}

// SaveFirstDetection persists a first-sighting record. Duplicates by
// object_id are ignored (idempotent): an existing row is left alone,
// including its image_path.
func (r *Repository) SaveFirstDetection(rec model.FirstDetectionRecord) error {
	var areaID sql.NullInt64
	if rec.AreaID != 0 {
		areaID = sql.NullInt64{Int64: int64(rec.AreaID), Valid: true}
	}
	var rescue sql.NullInt64
	if rec.HasRescue {
		rescue = sql.NullInt64{Int64: int64(rec.RescueLevel), Valid: true}
	}

	err := r.exec(
		`INSERT INTO first_detections
			(object_id, event_type, class, area_id, map_x, map_y, rescue_level, observed_at, image_path)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (object_id) DO NOTHING`,
		rec.ObjectID, int(rec.EventType), string(rec.Class), areaID, rec.MapX, rec.MapY, rescue, rec.Timestamp, rec.ImagePath,
	)
	if err != nil {
		return fmt.Errorf("repository: save first detection %d: %w", rec.ObjectID, err)
	}
	return nil
}

// exec runs a write statement with the operation timeout, retrying once
// on failure before giving up (§7: DB unavailable → retry once, then
// fail the operation).
func (r *Repository) exec(query string, args ...any) error {
	try := func() error {
		ctx, cancel := opContext()
		defer cancel()
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	}
	if err := try(); err != nil {
		logger.Warn("Repository", "retrying failed statement: %v", err)
		return try()
	}
	return nil
}

// WriteImage writes a JPEG crop to the image directory, naming it
// img_{object_id}_{YYYYMMDDHHMMSS}.jpg, and returns the path to store
// in the first-detection record. A write failure is returned to the
// caller, who logs it and persists the record with an empty path.
func (r *Repository) WriteImage(objectID int64, timestamp time.Time, jpegBytes []byte) (string, error) {
	name := fmt.Sprintf("img_%d_%s.jpg", objectID, timestamp.UTC().Format("20060102150405"))
	path := filepath.Join(r.imageDir, name)

	if err := os.WriteFile(path, jpegBytes, 0o644); err != nil {
		return "", fmt.Errorf("repository: write image %s: %w", path, err)
	}
	return name, nil
}

// LoadAccessConditions returns the current area→level map. Called once
// at startup and once after every successful AC_UA commit.
func (r *Repository) LoadAccessConditions() (map[int]model.AuthorityLevel, error) {
	ctx, cancel := opContext()
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT area_id, level FROM access_conditions`)
	if err != nil {
		return nil, fmt.Errorf("repository: load access conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[int]model.AuthorityLevel)
	for rows.Next() {
		var areaID, level int
		if err := rows.Scan(&areaID, &level); err != nil {
			return nil, fmt.Errorf("repository: scan access condition: %w", err)
		}
		out[areaID] = model.AuthorityLevel(level)
	}
	return out, rows.Err()
}

// UpdateAccessConditions atomically upserts all ZoneCount levels. On
// any failure the transaction is rolled back and the store is left
// untouched.
func (r *Repository) UpdateAccessConditions(levels [model.ZoneCount]model.AuthorityLevel) error {
	ctx, cancel := opContext()
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin access condition update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for i, lvl := range levels {
		areaID := i + 1
		_, err := tx.ExecContext(ctx,
			`INSERT INTO access_conditions (area_id, level, updated_at) VALUES ($1,$2,$3)
			 ON CONFLICT (area_id) DO UPDATE SET level = EXCLUDED.level, updated_at = EXCLUDED.updated_at`,
			areaID, int(lvl), now,
		)
		if err != nil {
			return fmt.Errorf("repository: upsert access condition zone %d: %w", areaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: commit access condition update: %w", err)
	}
	return nil
}

// GetAreaList returns the static area table.
func (r *Repository) GetAreaList() ([]model.Area, error) {
	ctx, cancel := opContext()
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, x1, y1, x2, y2 FROM areas ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("repository: get area list: %w", err)
	}
	defer rows.Close()

	var areas []model.Area
	for rows.Next() {
		var a model.Area
		if err := rows.Scan(&a.ID, &a.Name, &a.X1, &a.Y1, &a.X2, &a.Y2); err != nil {
			return nil, fmt.Errorf("repository: scan area: %w", err)
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// HistoryRecord is one row returned by QueryHistory.
type HistoryRecord struct {
	ObjectID  int64
	EventType model.EventType
	Class     model.ObjectClass
	AreaID    int
	MapX, MapY int
	Timestamp time.Time
	ImagePath string
}

// QueryHistory returns detection records in [from,to] whose event type
// is in types (all types if types is empty).
func (r *Repository) QueryHistory(from, to time.Time, types []model.EventType) ([]HistoryRecord, error) {
	typeInts := lo.Map(types, func(t model.EventType, _ int) int { return int(t) })

	query := `SELECT object_id, event_type, class, area_id, map_x, map_y, observed_at, image_path
	          FROM first_detections WHERE observed_at BETWEEN $1 AND $2`
	args := []any{from, to}
	if len(typeInts) > 0 {
		query += ` AND event_type = ANY($3)`
		args = append(args, pq.Array(typeInts))
	}
	query += ` ORDER BY observed_at`

	ctx, cancel := opContext()
	defer cancel()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var areaID sql.NullInt64
		var et int
		if err := rows.Scan(&rec.ObjectID, &et, &rec.Class, &areaID, &rec.MapX, &rec.MapY, &rec.Timestamp, &rec.ImagePath); err != nil {
			return nil, fmt.Errorf("repository: scan history row: %w", err)
		}
		rec.EventType = model.EventType(et)
		if areaID.Valid {
			rec.AreaID = int(areaID.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ErrObjectNotFound is returned by GetFirstDetection when no record
// exists for the requested object-id (MC_OD detail fetch miss).
var ErrObjectNotFound = fmt.Errorf("repository: object not found")

// GetFirstDetection returns the persisted first-detection record and
// its image bytes (empty if the image path is empty or unreadable).
func (r *Repository) GetFirstDetection(objectID int64) (model.FirstDetectionRecord, []byte, error) {
	var rec model.FirstDetectionRecord
	var areaID sql.NullInt64
	var rescue sql.NullInt64
	var et int

	ctx, cancel := opContext()
	defer cancel()
	err := r.db.QueryRowContext(ctx,
		`SELECT object_id, event_type, class, area_id, map_x, map_y, rescue_level, observed_at, image_path
		 FROM first_detections WHERE object_id = $1`,
		objectID,
	).Scan(&rec.ObjectID, &et, &rec.Class, &areaID, &rec.MapX, &rec.MapY, &rescue, &rec.Timestamp, &rec.ImagePath)
	if err == sql.ErrNoRows {
		return model.FirstDetectionRecord{}, nil, ErrObjectNotFound
	}
	if err != nil {
		return model.FirstDetectionRecord{}, nil, fmt.Errorf("repository: get first detection %d: %w", objectID, err)
	}
	rec.EventType = model.EventType(et)
	if areaID.Valid {
		rec.AreaID = int(areaID.Int64)
	}
	if rescue.Valid {
		rec.HasRescue = true
		rec.RescueLevel = int(rescue.Int64)
	}

	if rec.ImagePath == "" {
		return rec, nil, nil
	}
	data, err := os.ReadFile(filepath.Join(r.imageDir, rec.ImagePath))
	if err != nil {
		logger.Warn("Repository", "failed to read image for object %d: %v", objectID, err)
		return rec, nil, nil
	}
	return rec, data, nil
}

// AppendBirdRisk appends a level-change entry to the bird-risk log.
func (r *Repository) AppendBirdRisk(prev, curr model.BirdRiskLevel, timestamp time.Time) error {
	err := r.exec(
		`INSERT INTO bird_risk_log (prev_level, curr_level, observed_at) VALUES ($1,$2,$3)`,
		int(prev), int(curr), timestamp,
	)
	if err != nil {
		return fmt.Errorf("repository: append bird risk: %w", err)
	}
	return nil
}

// GetLatestBirdRisk returns the most recently logged level, or
// BirdRiskLow if the log is empty.
func (r *Repository) GetLatestBirdRisk() (model.BirdRiskLevel, error) {
	ctx, cancel := opContext()
	defer cancel()
	var level int
	err := r.db.QueryRowContext(ctx, `SELECT curr_level FROM bird_risk_log ORDER BY observed_at DESC LIMIT 1`).Scan(&level)
	if err == sql.ErrNoRows {
		return model.BirdRiskLow, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repository: get latest bird risk: %w", err)
	}
	return model.BirdRiskLevel(level), nil
}

// LogInteraction records a request/response pair on a control channel
// for audit purposes. Failure is logged, not propagated, since it must
// never block a command response.
func (r *Repository) LogInteraction(channel, request, response string, timestamp time.Time) {
	ctx, cancel := opContext()
	defer cancel()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO interaction_log (channel, request, response, observed_at) VALUES ($1,$2,$3,$4)`,
		channel, request, response, timestamp,
	)
	if err != nil {
		logger.Error("Repository", "failed to log interaction on %s: %v", channel, err)
	}
}
