package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/yourorg/search-mirror/internal/transform"
	"github.com/yourorg/search-mirror/meili"
)

const (
	DefaultPageSize     = 5000
	MaxPageSize         = 10000
	DefaultRestartDelay = 10 * time.Second
)

type Config struct {
	App         App          `mapstructure:"app"`
	Mongo       Mongo        `mapstructure:"mongo"`
	Meili       Meili        `mapstructure:"meili"`
	Redis       Redis        `mapstructure:"redis"`
	Postgres    Postgres     `mapstructure:"postgres"`
	Collections []Collection `mapstructure:"collections"`
}

type App struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	Port     int    `mapstructure:"port"`
}

type Mongo struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	MaxPoolSize uint64 `mapstructure:"max_pool_size"`
}

type Meili struct {
	Host   string `mapstructure:"host"`
	APIKey string `mapstructure:"api_key"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

// Collection is one declarative sync tuple. Transform names a registered Go
// transform; when empty, Fields drives a compiled declarative mapping.
type Collection struct {
	Collection   string            `mapstructure:"collection"`
	Index        string            `mapstructure:"index"`
	PrimaryKey   string            `mapstructure:"primary_key"`
	PageSize     int64             `mapstructure:"page_size"`
	RestartDelay time.Duration     `mapstructure:"restart_delay"`
	Resume       bool              `mapstructure:"resume"`
	MaxPageRate  float64           `mapstructure:"max_page_rate"`
	Transform    string            `mapstructure:"transform"`
	Fields       []transform.Field `mapstructure:"fields"`
	Settings     Settings          `mapstructure:"settings"`
}

type Settings struct {
	Searchable    []string `mapstructure:"searchable"`
	Filterable    []string `mapstructure:"filterable"`
	Sortable      []string `mapstructure:"sortable"`
	RankingRules  []string `mapstructure:"ranking_rules"`
	TypoTolerance *bool    `mapstructure:"typo_tolerance"`
	MaxTotalHits  int      `mapstructure:"max_total_hits"`
}

// Load reads and validates the YAML config. Validation happens before any
// connection is opened so a malformed collection list fails fast.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "search-mirror"
	}
	if c.App.Port == 0 {
		c.App.Port = 4010
	}
	if c.Mongo.MaxPoolSize == 0 {
		c.Mongo.MaxPoolSize = 10
	}
	for i := range c.Collections {
		col := &c.Collections[i]
		if col.PrimaryKey == "" {
			col.PrimaryKey = "_id"
		}
		if col.PageSize == 0 {
			col.PageSize = DefaultPageSize
		}
		if col.RestartDelay == 0 {
			col.RestartDelay = DefaultRestartDelay
		}
	}
}

func (c *Config) Validate() error {
	var errs error
	if c.Mongo.URI == "" {
		errs = errors.Join(errs, errors.New("mongo.uri is required"))
	}
	if c.Mongo.Database == "" {
		errs = errors.Join(errs, errors.New("mongo.database is required"))
	}
	if c.Meili.Host == "" {
		errs = errors.Join(errs, errors.New("meili.host is required"))
	}
	if len(c.Collections) == 0 {
		errs = errors.Join(errs, errors.New("at least one collection is required"))
	}
	seen := map[string]bool{}
	for i, col := range c.Collections {
		at := fmt.Sprintf("collections[%d]", i)
		if col.Collection == "" {
			errs = errors.Join(errs, fmt.Errorf("%s: collection is required", at))
		}
		if col.Index == "" {
			errs = errors.Join(errs, fmt.Errorf("%s: index is required", at))
		}
		if col.Collection != "" && seen[col.Collection] {
			errs = errors.Join(errs, fmt.Errorf("%s: duplicate collection %q", at, col.Collection))
		}
		seen[col.Collection] = true
		if col.PrimaryKey != "_id" {
			// Delete events only carry the source _id; keying documents on
			// any other field would leave deletes unable to find them.
			errs = errors.Join(errs, fmt.Errorf("%s: primary_key %q unsupported, deletes resolve by _id only", at, col.PrimaryKey))
		}
		if col.PageSize < 1 || col.PageSize > MaxPageSize {
			errs = errors.Join(errs, fmt.Errorf("%s: page_size %d outside 1..%d", at, col.PageSize, MaxPageSize))
		}
		if col.MaxPageRate < 0 {
			errs = errors.Join(errs, fmt.Errorf("%s: max_page_rate must be >= 0", at))
		}
		if col.Transform != "" && len(col.Fields) > 0 {
			errs = errors.Join(errs, fmt.Errorf("%s: transform and fields are mutually exclusive", at))
		}
		if col.Transform != "" {
			if _, ok := transform.Lookup(col.Transform); !ok {
				errs = errors.Join(errs, fmt.Errorf("%s: unknown transform %q", at, col.Transform))
			}
		}
		for j, f := range col.Fields {
			if f.Source == "" {
				errs = errors.Join(errs, fmt.Errorf("%s.fields[%d]: source is required", at, j))
			}
			if !transform.KnownKind(f.Kind) {
				errs = errors.Join(errs, fmt.Errorf("%s.fields[%d]: unknown kind %q", at, j, f.Kind))
			}
			if f.Target == "id" {
				errs = errors.Join(errs, fmt.Errorf("%s.fields[%d]: target \"id\" is reserved for the derived identity", at, j))
			}
		}
	}
	return errs
}

// Meili renders the declarative settings in the search engine's wire shape.
func (s Settings) Meili() meili.Settings {
	out := meili.Settings{
		SearchableAttributes: s.Searchable,
		FilterableAttributes: s.Filterable,
		SortableAttributes:   s.Sortable,
		RankingRules:         s.RankingRules,
	}
	if s.TypoTolerance != nil {
		out.TypoTolerance = &meili.TypoTolerance{Enabled: *s.TypoTolerance}
	}
	if s.MaxTotalHits > 0 {
		out.Pagination = &meili.Pagination{MaxTotalHits: s.MaxTotalHits}
	}
	return out
}

// TransformFunc resolves the collection's mapping: a registered transform by
// name, or the compiled declarative field list.
func (c Collection) TransformFunc() (transform.Func, error) {
	if c.Transform != "" {
		fn, ok := transform.Lookup(c.Transform)
		if !ok {
			return nil, fmt.Errorf("unknown transform %q", c.Transform)
		}
		return fn, nil
	}
	return transform.Compile(c.PrimaryKey, c.Fields), nil
}
