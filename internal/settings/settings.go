// Package settings persists the runtime-adjustable generation settings —
// serving model, temperature, pricing model, and prompt templates — in a
// local SQLite database. The answer generator reads them fresh on every call
// so an operator change takes effect without a restart.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/kestrel-audit/auditrag-go/internal/prompt"
)

// Setting keys.
const (
	KeyModel         = "model"
	KeyTemperature   = "temperature"
	KeyPricingModel  = "pricing_model"
	KeyPromptMode    = "prompt_mode"
	KeyPromptHint    = "prompt_hint"
	KeyPromptAET     = "prompt_aet"
	KeyPromptGeneral = "prompt_general"
)

// Defaults applied when a key is absent or the store is unreadable.
const (
	DefaultModel       = "GPT-4.1"
	DefaultTemperature = 0.3
)

// validKeys guards Update against typos and unknown settings.
var validKeys = map[string]bool{
	KeyModel:         true,
	KeyTemperature:   true,
	KeyPricingModel:  true,
	KeyPromptMode:    true,
	KeyPromptHint:    true,
	KeyPromptAET:     true,
	KeyPromptGeneral: true,
}

// Generation is the resolved view of the settings one generation call needs.
type Generation struct {
	// Model is the serving model name passed to the provider.
	Model string
	// Temperature is the sampling temperature, clamped to [0, 2].
	Temperature float64
	// PricingModel names the pricing table row to cost usage against.
	// Empty means "use Model".
	PricingModel string
	// PromptMode selects how templates combine (see prompt.ParseMode).
	PromptMode string
	// Templates are the operator-edited prompt templates; empty fields fall
	// back to the built-in defaults at composition time.
	Templates prompt.Templates
}

// PricingName returns the model name to use for cost lookups.
func (g Generation) PricingName() string {
	if g.PricingModel != "" {
		return g.PricingModel
	}
	return g.Model
}

// Defaults returns a Generation with every field at its default.
func Defaults() Generation {
	return Generation{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		PromptMode:  prompt.ModeNameTypeSpecific,
	}
}

// Store is a SQLite-backed settings store.
type Store struct {
	db *sql.DB
}

// DefaultDBPath resolves the settings database location:
// $AUDITRAG_SETTINGS_DB if set, else ~/.auditrag/settings.db.
func DefaultDBPath() (string, error) {
	if p := os.Getenv("AUDITRAG_SETTINGS_DB"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("settings: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".auditrag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("settings: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "settings.db"), nil
}

// Open opens (or creates) the settings database at path and runs the schema
// migration. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("settings: migrate: %w", err)
	}
	return nil
}

// All returns every stored key/value pair.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("settings: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: rows: %w", err)
	}
	return out, nil
}

// Update validates and upserts the given settings in one transaction.
func (s *Store) Update(ctx context.Context, values map[string]string) error {
	for k, v := range values {
		if !validKeys[k] {
			return fmt.Errorf("settings: unknown key %q", k)
		}
		switch k {
		case KeyPromptMode:
			if !prompt.ValidModeName(v) {
				return fmt.Errorf("settings: invalid prompt_mode %q", v)
			}
		case KeyTemperature:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 || f > 2 {
				return fmt.Errorf("settings: invalid temperature %q", v)
			}
		case KeyModel:
			if v == "" {
				return fmt.Errorf("settings: model must not be empty")
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settings: begin: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO config (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, q, k, v); err != nil {
			return fmt.Errorf("settings: upsert %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settings: commit: %w", err)
	}
	return nil
}

// Generation resolves the current generation settings, filling absent keys
// with defaults. On a read error the defaults are returned alongside the
// error so callers can degrade instead of failing the query.
func (s *Store) Generation(ctx context.Context) (Generation, error) {
	gen := Defaults()

	values, err := s.All(ctx)
	if err != nil {
		return gen, err
	}

	if v, ok := values[KeyModel]; ok && v != "" {
		gen.Model = v
	}
	if v, ok := values[KeyTemperature]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			gen.Temperature = clampTemperature(f)
		}
	}
	if v, ok := values[KeyPricingModel]; ok {
		gen.PricingModel = v
	}
	if v, ok := values[KeyPromptMode]; ok && prompt.ValidModeName(v) {
		gen.PromptMode = v
	}
	gen.Templates = prompt.Templates{
		Hint:    values[KeyPromptHint],
		AET:     values[KeyPromptAET],
		General: values[KeyPromptGeneral],
	}
	return gen, nil
}

func clampTemperature(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 2 {
		return 2
	}
	return f
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("settings: close: %w", err)
	}
	return nil
}
