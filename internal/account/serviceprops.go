package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EmulatorVersion is the API version string returned as the default
// service version when an account has never called setServiceProperties
// (spec.md §4.H, §8 scenario 5).
const EmulatorVersion = "2023-11-03"

// CORSRule is one CORS rule entry of a service properties document.
type CORSRule struct {
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedMethods []string `json:"allowedMethods"`
	AllowedHeaders []string `json:"allowedHeaders"`
	ExposedHeaders []string `json:"exposedHeaders"`
	MaxAgeSeconds  int      `json:"maxAgeSeconds"`
}

// MetricsProperties is the hour- or minute-granularity metrics section.
type MetricsProperties struct {
	Enabled       bool `json:"enabled"`
	IncludeAPIs   bool `json:"includeAPIs"`
	RetentionDays int  `json:"retentionDays"`
}

// LoggingProperties is the access-logging section.
type LoggingProperties struct {
	Read          bool `json:"read"`
	Write         bool `json:"write"`
	Delete        bool `json:"delete"`
	RetentionDays int  `json:"retentionDays"`
}

// StaticWebsiteProperties is the static-website hosting section.
type StaticWebsiteProperties struct {
	Enabled              bool   `json:"enabled"`
	IndexDocument        string `json:"indexDocument"`
	ErrorDocument404Path string `json:"errorDocument404Path"`
}

// DeleteRetentionPolicy is the soft-delete retention section.
type DeleteRetentionPolicy struct {
	Enabled bool `json:"enabled"`
	Days    int  `json:"days"`
}

// ServiceProperties is the full per-account document (spec.md §3, §4.H).
type ServiceProperties struct {
	CORS                  []CORSRule              `json:"cors"`
	HourMetrics           MetricsProperties       `json:"hourMetrics"`
	MinuteMetrics         MetricsProperties       `json:"minuteMetrics"`
	Logging               LoggingProperties       `json:"logging"`
	StaticWebsite         StaticWebsiteProperties `json:"staticWebsite"`
	DeleteRetentionPolicy DeleteRetentionPolicy   `json:"deleteRetentionPolicy"`
	DefaultServiceVersion string                  `json:"defaultServiceVersion"`
}

// DefaultServiceProperties returns the document an account that has never
// called setServiceProperties is expected to see: empty CORS, metrics
// disabled, logging read/write/delete enabled, static website disabled,
// and the current emulator version as the default service version
// (spec.md §8 scenario 5).
func DefaultServiceProperties() ServiceProperties {
	return ServiceProperties{
		CORS:          nil,
		HourMetrics:   MetricsProperties{Enabled: false},
		MinuteMetrics: MetricsProperties{Enabled: false},
		Logging: LoggingProperties{
			Read:   true,
			Write:  true,
			Delete: true,
		},
		StaticWebsite:         StaticWebsiteProperties{Enabled: false},
		DeleteRetentionPolicy: DeleteRetentionPolicy{Enabled: false},
		DefaultServiceVersion: EmulatorVersion,
	}
}

// ServicePropertiesUpdate carries the merge semantics from spec.md §4.H:
// each top-level property supplied (non-nil) replaces the stored value;
// each unsupplied (nil) property is preserved. CORS has the documented
// special case: a non-nil pointer to an empty slice is an explicit "clear
// the rules" and replaces; a nil pointer preserves whatever is stored.
type ServicePropertiesUpdate struct {
	CORS                  *[]CORSRule
	HourMetrics           *MetricsProperties
	MinuteMetrics         *MetricsProperties
	Logging               *LoggingProperties
	StaticWebsite         *StaticWebsiteProperties
	DeleteRetentionPolicy *DeleteRetentionPolicy
	DefaultServiceVersion *string
}

// apply merges u onto base per the absent-preserves rule, returning the
// merged document.
func (u ServicePropertiesUpdate) apply(base ServiceProperties) ServiceProperties {
	if u.CORS != nil {
		base.CORS = *u.CORS
	}
	if u.HourMetrics != nil {
		base.HourMetrics = *u.HourMetrics
	}
	if u.MinuteMetrics != nil {
		base.MinuteMetrics = *u.MinuteMetrics
	}
	if u.Logging != nil {
		base.Logging = *u.Logging
	}
	if u.StaticWebsite != nil {
		base.StaticWebsite = *u.StaticWebsite
	}
	if u.DeleteRetentionPolicy != nil {
		base.DeleteRetentionPolicy = *u.DeleteRetentionPolicy
	}
	if u.DefaultServiceVersion != nil {
		base.DefaultServiceVersion = *u.DefaultServiceVersion
	}
	return base
}

// PropertiesStore is the SQLite-backed per-account service properties
// document store, grounded on the teacher's ACL-as-JSON-column convention
// (internal/metadata/sqlite.go's `objects.acl TEXT` column).
type PropertiesStore struct {
	db *sql.DB
}

// OpenProperties opens (creating if necessary) the service properties
// database at dsn.
func OpenProperties(dsn string) (*PropertiesStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening service properties database: %w", err)
	}
	s := &PropertiesStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing service properties database: %w", err)
	}
	return s, nil
}

func (s *PropertiesStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	schema := `
		CREATE TABLE IF NOT EXISTS service_properties (
			account_name TEXT PRIMARY KEY,
			properties   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PropertiesStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the service properties document for account, or the default
// document if none has ever been stored (spec.md §4.H).
func (s *PropertiesStore) Get(ctx context.Context, account string) (ServiceProperties, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT properties FROM service_properties WHERE account_name = ?`, account,
	)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return DefaultServiceProperties(), nil
	}
	if err != nil {
		return ServiceProperties{}, fmt.Errorf("getting service properties for %q: %w", account, err)
	}
	var props ServiceProperties
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return ServiceProperties{}, fmt.Errorf("decoding service properties for %q: %w", account, err)
	}
	return props, nil
}

// Upsert merges update onto the account's current document (or the default
// document if none exists yet) and persists the result.
func (s *PropertiesStore) Upsert(ctx context.Context, account string, update ServicePropertiesUpdate) (ServiceProperties, error) {
	current, err := s.Get(ctx, account)
	if err != nil {
		return ServiceProperties{}, err
	}
	merged := update.apply(current)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return ServiceProperties{}, fmt.Errorf("encoding service properties for %q: %w", account, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO service_properties (account_name, properties, updated_at)
		 VALUES (?, ?, ?)`,
		account, string(encoded), time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return ServiceProperties{}, fmt.Errorf("putting service properties for %q: %w", account, err)
	}
	return merged, nil
}
