package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cptesting/internal/quantum"

	_ "modernc.org/sqlite"
)

// DefaultDriver is the pure-Go SQLite driver. "sqlite3" selects the cgo
// driver when the binary links it.
const DefaultDriver = "sqlite"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for exposures, datasets and quanta.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver.
func New(path string) (*Store, error) {
	return Open(DefaultDriver, path)
}

// Open opens the database at path using the named database/sql driver and
// ensures the schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; pipeline workers share this handle.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exposures (
            instrument TEXT NOT NULL,
            id INTEGER NOT NULL,
            observation_type TEXT,
            observation_reason TEXT,
            physical_filter TEXT,
            day_obs INTEGER,
            header_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (instrument, id)
        );`,
		`CREATE TABLE IF NOT EXISTS datasets (
            id TEXT PRIMARY KEY,
            dataset_type TEXT NOT NULL,
            instrument TEXT NOT NULL,
            exposure INTEGER,
            detector INTEGER,
            physical_filter TEXT,
            run TEXT,
            uri TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS quanta (
            id TEXT PRIMARY KEY,
            task_label TEXT NOT NULL,
            instrument TEXT,
            exposure INTEGER,
            detector INTEGER,
            status TEXT NOT NULL,
            reason TEXT,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_type ON datasets(dataset_type, instrument);`,
		`CREATE INDEX IF NOT EXISTS idx_quanta_task ON quanta(task_label, status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// DatasetRecord is a stored dataset row.
type DatasetRecord struct {
	ID          string
	DatasetType string
	DataID      quantum.DataID
	Run         string
	URI         string
}

// QuantumRecord captures the persisted outcome of one quantum.
type QuantumRecord struct {
	ID          string         `json:"id"`
	TaskLabel   string         `json:"task_label"`
	DataID      quantum.DataID `json:"data_id"`
	Status      string         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RecordExposure inserts or replaces an exposure record.
func (s *Store) RecordExposure(rec quantum.ExposureRecord) error {
	if s == nil {
		return nil
	}
	headerJSON, err := json.Marshal(rec.Header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO exposures (instrument, id, observation_type, observation_reason, physical_filter, day_obs, header_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.Instrument, rec.ID, rec.ObservationType, rec.ObservationReason, rec.PhysicalFilter, rec.DayObs, string(headerJSON))
	return err
}

// Exposure fetches one exposure record.
func (s *Store) Exposure(instrument string, id int64) (quantum.ExposureRecord, error) {
	if s == nil {
		return quantum.ExposureRecord{}, errors.New("store not initialized")
	}
	rec := quantum.ExposureRecord{Instrument: instrument, ID: id}
	var obsType, reason, filter, headerJSON sql.NullString
	var dayObs sql.NullInt64
	err := s.DB.QueryRow(`SELECT observation_type, observation_reason, physical_filter, day_obs, header_json FROM exposures WHERE instrument=? AND id=?;`, instrument, id).
		Scan(&obsType, &reason, &filter, &dayObs, &headerJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("exposure %s/%d: %w", instrument, id, ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	rec.ObservationType = obsType.String
	rec.ObservationReason = reason.String
	rec.PhysicalFilter = filter.String
	rec.DayObs = int(dayObs.Int64)
	if headerJSON.Valid && headerJSON.String != "" {
		if err := json.Unmarshal([]byte(headerJSON.String), &rec.Header); err != nil {
			return rec, fmt.Errorf("unmarshal header: %w", err)
		}
	}
	return rec, nil
}

// RecordDataset inserts or replaces a dataset row.
func (s *Store) RecordDataset(rec DatasetRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO datasets (id, dataset_type, instrument, exposure, detector, physical_filter, run, uri) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.DatasetType, rec.DataID.Instrument, rec.DataID.Exposure, detectorValue(rec.DataID), rec.DataID.PhysicalFilter, rec.Run, rec.URI)
	return err
}

// detectorValue stores an absent detector as NULL so detector 0 survives.
func detectorValue(id quantum.DataID) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(id.Detector), Valid: id.HasDetector}
}

// FindDatasets returns refs of datasetType for instrument, ordered by data
// coordinate. Each ref carries its exposure record when the catalog has one;
// refs whose exposure is not registered come back with a nil Exposure.
func (s *Store) FindDatasets(datasetType, instrument string) ([]quantum.DatasetRef, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT d.id, d.exposure, d.detector, d.physical_filter, d.run,
            e.id, e.observation_type, e.observation_reason, e.physical_filter, e.day_obs, e.header_json
        FROM datasets d
        LEFT JOIN exposures e ON e.instrument = d.instrument AND e.id = d.exposure
        WHERE d.dataset_type=? AND d.instrument=?
        ORDER BY d.exposure, d.detector, d.id;`, datasetType, instrument)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []quantum.DatasetRef
	for rows.Next() {
		var ref quantum.DatasetRef
		var exposure, detector sql.NullInt64
		var filter, run sql.NullString
		var expID, dayObs sql.NullInt64
		var obsType, reason, expFilter, headerJSON sql.NullString
		if err := rows.Scan(&ref.ID, &exposure, &detector, &filter, &run,
			&expID, &obsType, &reason, &expFilter, &dayObs, &headerJSON); err != nil {
			return nil, err
		}
		ref.DatasetType = datasetType
		ref.Run = run.String
		ref.DataID = quantum.DataID{
			Instrument:     instrument,
			Exposure:       exposure.Int64,
			PhysicalFilter: filter.String,
		}
		if detector.Valid {
			ref.DataID = ref.DataID.WithDetector(int(detector.Int64))
		}
		if expID.Valid {
			rec := &quantum.ExposureRecord{
				Instrument:        instrument,
				ID:                expID.Int64,
				ObservationType:   obsType.String,
				ObservationReason: reason.String,
				PhysicalFilter:    expFilter.String,
				DayObs:            int(dayObs.Int64),
			}
			if headerJSON.Valid && headerJSON.String != "" {
				if err := json.Unmarshal([]byte(headerJSON.String), &rec.Header); err != nil {
					return nil, fmt.Errorf("unmarshal header of exposure %d: %w", expID.Int64, err)
				}
			}
			ref.Exposure = rec
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// RecordQuantumQueued inserts a pending quantum.
func (s *Store) RecordQuantumQueued(q quantum.Quantum) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO quanta (id, task_label, instrument, exposure, detector, status) VALUES (?, ?, ?, ?, ?, 'queued');`,
		q.ID, q.TaskLabel, q.DataID.Instrument, q.DataID.Exposure, detectorValue(q.DataID))
	return err
}

// RecordQuantumResult finalizes a quantum with status, skip reason and error.
func (s *Store) RecordQuantumResult(id, status, reason, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE quanta SET status=?, reason=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`, status, reason, errMsg, id)
	return err
}

// RecentQuanta returns the latest quanta up to limit.
func (s *Store) RecentQuanta(limit int) ([]QuantumRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, task_label, instrument, exposure, detector, status, reason, error_message, created_at, completed_at FROM quanta ORDER BY created_at DESC, id LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []QuantumRecord
	for rows.Next() {
		var rec QuantumRecord
		var instrument, reason, errorMsg sql.NullString
		var exposure, detector sql.NullInt64
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.TaskLabel, &instrument, &exposure, &detector, &rec.Status, &reason, &errorMsg, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		rec.DataID = quantum.DataID{Instrument: instrument.String, Exposure: exposure.Int64}
		if detector.Valid {
			rec.DataID = rec.DataID.WithDetector(int(detector.Int64))
		}
		rec.Reason = reason.String
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountQuanta returns the number of quanta per status for a task label.
func (s *Store) CountQuanta(taskLabel string) (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM quanta WHERE task_label=? GROUP BY status;`, taskLabel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
