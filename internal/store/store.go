// Package store persists uploaded audio files and their analysis results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("record not found")

type dialect int

const (
	sqlite dialect = iota
	postgres
)

// AudioFile is one row of audio_files
type AudioFile struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	Duration   float64   `json:"duration,omitempty"`
	Format     string    `json:"format,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AnalysisResult is one row of analysis_results. Result holds the JSON
// document produced by the analysis.
type AnalysisResult struct {
	ID             int64           `json:"id"`
	AudioFileID    int64           `json:"audio_file_id"`
	AnalysisType   string          `json:"analysis_type"`
	Result         json.RawMessage `json:"result"`
	Confidence     *float64        `json:"confidence,omitempty"`
	ProcessingTime float64         `json:"processing_time"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// Open connects to dsn and migrates the schema. postgres:// and
// postgresql:// URLs use lib/pq; anything else is a SQLite path.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, d := "sqlite3", sqlite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, d = "postgres", postgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if d == sqlite {
		// one writer keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	s := &Store{db: db, dialect: d, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("store opened", zap.String("driver", driver))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	id, ts, js := "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME", "TEXT"
	if s.dialect == postgres {
		id, ts, js = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audio_files (
			id ` + id + `,
			filename TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			duration DOUBLE PRECISION,
			format TEXT,
			sample_rate INTEGER,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + `
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_results (
			id ` + id + `,
			audio_file_id BIGINT NOT NULL REFERENCES audio_files(id) ON DELETE CASCADE,
			analysis_type TEXT NOT NULL,
			result ` + js + ` NOT NULL,
			confidence DOUBLE PRECISION,
			processing_time DOUBLE PRECISION,
			notes TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_results_audio_file ON analysis_results(audio_file_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for postgres
func (s *Store) rebind(query string) string {
	if s.dialect != postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveAudioFile inserts f and returns it with ID and CreatedAt set
func (s *Store) SaveAudioFile(ctx context.Context, f AudioFile) (AudioFile, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO audio_files (filename, file_path, file_size, duration, format, sample_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		f.Filename,
		f.FilePath,
		f.FileSize,
		nullFloat(f.Duration),
		nullString(f.Format),
		nullInt(f.SampleRate),
		f.CreatedAt,
	).Scan(&f.ID)
	if err != nil {
		return AudioFile{}, fmt.Errorf("failed to save audio file: %w", err)
	}
	return f, nil
}

func (s *Store) GetAudioFile(ctx context.Context, id int64) (AudioFile, error) {
	query := s.rebind(`
		SELECT id, filename, file_path, file_size, duration, format, sample_rate, created_at
		FROM audio_files WHERE id = ?
	`)
	var (
		f          AudioFile
		duration   sql.NullFloat64
		format     sql.NullString
		sampleRate sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&f.ID,
		&f.Filename,
		&f.FilePath,
		&f.FileSize,
		&duration,
		&format,
		&sampleRate,
		&f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AudioFile{}, ErrNotFound
		}
		return AudioFile{}, fmt.Errorf("failed to load audio file: %w", err)
	}
	f.Duration = duration.Float64
	f.Format = format.String
	f.SampleRate = int(sampleRate.Int64)
	return f, nil
}

// SaveAnalysisResult inserts r for an existing audio file
func (s *Store) SaveAnalysisResult(ctx context.Context, r AnalysisResult) (AnalysisResult, error) {
	if !json.Valid(r.Result) {
		return AnalysisResult{}, fmt.Errorf("failed to save analysis result: result is not valid JSON")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var confidence sql.NullFloat64
	if r.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *r.Confidence, Valid: true}
	}
	query := s.rebind(`
		INSERT INTO analysis_results (audio_file_id, analysis_type, result, confidence, processing_time, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		r.AudioFileID,
		r.AnalysisType,
		string(r.Result),
		confidence,
		r.ProcessingTime,
		nullString(r.Notes),
		r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("failed to save analysis result: %w", err)
	}
	return r, nil
}

// ListAnalysisResults returns every result for audioFileID, oldest first
func (s *Store) ListAnalysisResults(ctx context.Context, audioFileID int64) ([]AnalysisResult, error) {
	query := s.rebind(`
		SELECT id, audio_file_id, analysis_type, result, confidence, processing_time, notes, created_at
		FROM analysis_results
		WHERE audio_file_id = ?
		ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, audioFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis results: %w", err)
	}
	defer rows.Close()

	results := []AnalysisResult{}
	for rows.Next() {
		var (
			r          AnalysisResult
			raw        []byte
			confidence sql.NullFloat64
			elapsed    sql.NullFloat64
			notes      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AudioFileID, &r.AnalysisType, &raw, &confidence, &elapsed, &notes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis result: %w", err)
		}
		r.Result = json.RawMessage(raw)
		if confidence.Valid {
			c := confidence.Float64
			r.Confidence = &c
		}
		r.ProcessingTime = elapsed.Float64
		r.Notes = notes.String
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis results: %w", err)
	}
	return results, nil
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
