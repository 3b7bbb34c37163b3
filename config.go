package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultDatasourceName   = "ZPU_CP04_STI_PRD"
	defaultFiscalYearColumn = "Exercice comptable"
	defaultExtractSchema    = "Extract"
	defaultHyperUser        = "tableau_internal_user"
)

// Config holds the full run configuration. It is built once by loadConfig and
// passed read-only to every stage.
type Config struct {
	WorkDir    string           `toml:"work_dir"`
	KeepFiles  bool             `toml:"keep_files"`
	Tableau    TableauConfig    `toml:"tableau"`
	Datasource DatasourceConfig `toml:"datasource"`
	Hyper      HyperConfig      `toml:"hyper"`
	Target     TargetConfig     `toml:"target"`
	Transform  TransformConfig  `toml:"transform"`
	Hooks      HooksConfig      `toml:"hooks"`

	// configDir is the directory containing the TOML file, used to resolve relative SQL paths.
	configDir string
}

// TableauConfig identifies the Tableau Server and the account used to sign in.
type TableauConfig struct {
	Server         string        `toml:"server"`
	Username       string        `toml:"username"`
	Password       string        `toml:"password"`
	Site           string        `toml:"site"`       // site contentUrl, "" is the default site
	TokenName      string        `toml:"token_name"` // personal access token, alternative to username/password
	TokenSecret    string        `toml:"token_secret"`
	APIVersion     string        `toml:"api_version"` // "" asks the server
	PageSize       int           `toml:"page_size"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

type DatasourceConfig struct {
	Name string `toml:"name"`
}

// HyperConfig controls how the .hyper extract is opened.
type HyperConfig struct {
	Endpoint       string        `toml:"endpoint"` // host:port of a running hyperd; empty spawns one
	HyperdPath     string        `toml:"hyperd_path"`
	User           string        `toml:"user"`
	Schema         string        `toml:"schema"`
	ExtraArgs      []string      `toml:"extra_args"`
	StartupTimeout time.Duration `toml:"startup_timeout"`
}

// TargetConfig identifies the destination database and table.
type TargetConfig struct {
	Type     string `toml:"type"` // postgres|mysql|sqlite
	DSN      string `toml:"dsn"`  // overrides the discrete fields below
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Schema   string `toml:"schema"` // PostgreSQL schema for the table, "" uses search_path
	Table    string `toml:"table"`
	SSLMode  string `toml:"ssl_mode"`
}

type TransformConfig struct {
	FiscalYearColumn string `toml:"fiscal_year_column"`
}

type HooksConfig struct {
	AfterLoad []string `toml:"after_load"`
}

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	key string
	set func(cfg *Config, v string) error
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

// envBindings lists the environment variables read at start, named as in the
// .env files already deployed next to the job.
var envBindings = []envBinding{
	{"TABLEAU_SERVER", setString(func(c *Config) *string { return &c.Tableau.Server })},
	{"TABLEAU_USERNAME", setString(func(c *Config) *string { return &c.Tableau.Username })},
	{"TABLEAU_PASSWORD", setString(func(c *Config) *string { return &c.Tableau.Password })},
	{"TABLEAU_SITE", setString(func(c *Config) *string { return &c.Tableau.Site })},
	{"TABLEAU_TOKEN_NAME", setString(func(c *Config) *string { return &c.Tableau.TokenName })},
	{"TABLEAU_TOKEN_SECRET", setString(func(c *Config) *string { return &c.Tableau.TokenSecret })},
	{"DATASOURCE_NAME", setString(func(c *Config) *string { return &c.Datasource.Name })},
	{"HYPERD_PATH", setString(func(c *Config) *string { return &c.Hyper.HyperdPath })},
	{"HYPER_ENDPOINT", setString(func(c *Config) *string { return &c.Hyper.Endpoint })},
	{"DB_TYPE", setString(func(c *Config) *string { return &c.Target.Type })},
	{"DB_DSN", setString(func(c *Config) *string { return &c.Target.DSN })},
	{"DB_HOST", setString(func(c *Config) *string { return &c.Target.Host })},
	{"DB_PORT", func(c *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DB_PORT: %w", err)
		}
		c.Target.Port = port
		return nil
	}},
	// DB_SCHEMA is the database name in the connection URL.
	{"DB_SCHEMA", setString(func(c *Config) *string { return &c.Target.Database })},
	{"DB_USERNAME", setString(func(c *Config) *string { return &c.Target.User })},
	{"DB_PASSWORD", setString(func(c *Config) *string { return &c.Target.Password })},
	{"DB_TABLE_SAP_FI", setString(func(c *Config) *string { return &c.Target.Table })},
}

// loadConfig builds the run configuration from defaults, the optional TOML file
// at path and the process environment, in that order of precedence.
func loadConfig(path string) (*Config, error) {
	return loadConfigWithEnv(path, os.LookupEnv)
}

func loadConfigWithEnv(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.configDir = filepath.Dir(absPath)
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.configDir = wd
	}

	for _, b := range envBindings {
		v, ok := lookupEnv(b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(&cfg, v); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		WorkDir: ".",
		Tableau: TableauConfig{
			PageSize:       100,
			RequestTimeout: 30 * time.Minute,
		},
		Datasource: DatasourceConfig{Name: defaultDatasourceName},
		Hyper: HyperConfig{
			HyperdPath:     "hyperd",
			User:           defaultHyperUser,
			Schema:         defaultExtractSchema,
			StartupTimeout: 30 * time.Second,
		},
		Target: TargetConfig{
			Type: "postgres",
		},
		Transform: TransformConfig{FiscalYearColumn: defaultFiscalYearColumn},
	}
}

func (c *Config) validate() error {
	c.Tableau.Server = strings.TrimRight(strings.TrimSpace(c.Tableau.Server), "/")
	if c.Tableau.Server == "" {
		return fmt.Errorf("tableau.server is required (TABLEAU_SERVER)")
	}
	hasPassword := c.Tableau.Username != "" || c.Tableau.Password != ""
	hasToken := c.Tableau.TokenName != "" || c.Tableau.TokenSecret != ""
	switch {
	case hasPassword && hasToken:
		return fmt.Errorf("tableau: username/password and token_name/token_secret are mutually exclusive")
	case hasToken:
		if c.Tableau.TokenName == "" || c.Tableau.TokenSecret == "" {
			return fmt.Errorf("tableau: token_name and token_secret must both be set")
		}
	default:
		if c.Tableau.Username == "" || c.Tableau.Password == "" {
			return fmt.Errorf("tableau.username and tableau.password are required (TABLEAU_USERNAME, TABLEAU_PASSWORD)")
		}
	}
	if c.Tableau.PageSize <= 0 {
		c.Tableau.PageSize = 100
	}
	if c.Tableau.PageSize > 1000 {
		return fmt.Errorf("tableau.page_size must be at most 1000")
	}

	c.Datasource.Name = strings.TrimSpace(c.Datasource.Name)
	if c.Datasource.Name == "" {
		return fmt.Errorf("datasource.name is required")
	}
	if strings.ContainsAny(c.Datasource.Name, `/\`) {
		return fmt.Errorf("datasource.name %q must not contain path separators", c.Datasource.Name)
	}

	if c.Hyper.Endpoint == "" && c.Hyper.HyperdPath == "" {
		return fmt.Errorf("hyper: one of endpoint or hyperd_path is required")
	}
	if c.Hyper.Schema == "" {
		c.Hyper.Schema = defaultExtractSchema
	}
	if c.Hyper.User == "" {
		c.Hyper.User = defaultHyperUser
	}
	if c.Hyper.StartupTimeout <= 0 {
		c.Hyper.StartupTimeout = 30 * time.Second
	}

	if err := c.Target.validate(); err != nil {
		return err
	}

	c.Transform.FiscalYearColumn = strings.TrimSpace(c.Transform.FiscalYearColumn)
	if c.Transform.FiscalYearColumn == "" {
		return fmt.Errorf("transform.fiscal_year_column must not be empty")
	}

	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	return nil
}

func (t *TargetConfig) validate() error {
	t.Type = strings.ToLower(strings.TrimSpace(t.Type))
	switch t.Type {
	case "postgres", "postgresql", "pg":
		t.Type = "postgres"
		if t.Port == 0 {
			t.Port = 5432
		}
	case "mysql":
		if t.Port == 0 {
			t.Port = 3306
		}
	case "sqlite":
		if t.DSN == "" && t.Database == "" {
			return fmt.Errorf("target.database (file path) or target.dsn is required for sqlite")
		}
	default:
		return fmt.Errorf("target.type must be one of: postgres, mysql, sqlite")
	}
	if t.Type != "sqlite" && t.DSN == "" {
		if t.Host == "" {
			return fmt.Errorf("target.host is required (DB_HOST) unless target.dsn is set")
		}
		if t.Database == "" {
			return fmt.Errorf("target.database is required (DB_SCHEMA) unless target.dsn is set")
		}
	}
	t.Table = strings.TrimSpace(t.Table)
	if t.Table == "" {
		return fmt.Errorf("target.table is required (DB_TABLE_SAP_FI)")
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// artifactPaths are the working files produced by one run.
type artifactPaths struct {
	Archive string // <name>.tdsx
	Schema  string // <name>.tds
	Extract string // <name>.hyper
}

func (c *Config) artifacts() artifactPaths {
	base := filepath.Join(c.WorkDir, c.Datasource.Name)
	return artifactPaths{
		Archive: base + ".tdsx",
		Schema:  base + ".tds",
		Extract: base + ".hyper",
	}
}

func (p artifactPaths) all() []string {
	return []string{p.Extract, p.Schema, p.Archive}
}
