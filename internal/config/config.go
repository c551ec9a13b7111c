package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	ProjectRoot string           `yaml:"project_root" mapstructure:"project_root"`
	VenvDir     string           `yaml:"venv_dir" mapstructure:"venv_dir"`
	DBTDir      string           `yaml:"dbt_dir" mapstructure:"dbt_dir"`
	RapidAPI    RapidAPIConfig   `yaml:"rapidapi" mapstructure:"rapidapi"`
	Idealista   IdealistaConfig  `yaml:"idealista" mapstructure:"idealista"`
	Extract     ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Output      OutputConfig     `yaml:"output" mapstructure:"output"`
	Warehouse   WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	Pipeline    PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Store       StoreConfig      `yaml:"store" mapstructure:"store"`
	Server      ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig        `yaml:"log" mapstructure:"log"`
}

// RapidAPIConfig holds the RapidAPI credential pair sent with every listings request.
type RapidAPIConfig struct {
	Key  string `yaml:"key" mapstructure:"key"`
	Host string `yaml:"host" mapstructure:"host"`
}

// IdealistaConfig configures the listings endpoint and its fixed query filters.
type IdealistaConfig struct {
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Order     string        `yaml:"order" mapstructure:"order"`
	Operation string        `yaml:"operation" mapstructure:"operation"`
	Country   string        `yaml:"country" mapstructure:"country"`
	Locale    string        `yaml:"locale" mapstructure:"locale"`
	SinceDate string        `yaml:"since_date" mapstructure:"since_date"`
}

// LocationConfig is one location queried during extraction.
type LocationConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Name string `yaml:"name" mapstructure:"name"`
}

// ExtractConfig configures pagination behavior.
type ExtractConfig struct {
	PageSize    int              `yaml:"page_size" mapstructure:"page_size"`
	PageDelay   time.Duration    `yaml:"page_delay" mapstructure:"page_delay"`
	Concurrency int              `yaml:"concurrency" mapstructure:"concurrency"`
	Locations   []LocationConfig `yaml:"locations" mapstructure:"locations"`
}

// OutputConfig configures the local file sink.
type OutputConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// WarehouseConfig configures the warehouse sink. The sink is skipped when
// Project is empty.
type WarehouseConfig struct {
	Project     string `yaml:"project" mapstructure:"project"`
	Dataset     string `yaml:"dataset" mapstructure:"dataset"`
	Table       string `yaml:"table" mapstructure:"table"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Required    bool   `yaml:"required" mapstructure:"required"`
}

// TableID returns the fully qualified project.dataset.table path.
func (w WarehouseConfig) TableID() string {
	return w.Project + "." + w.Dataset + "." + w.Table
}

// PipelineConfig configures the stage orchestrator and its trigger.
type PipelineConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	Schedule       string        `yaml:"schedule" mapstructure:"schedule"`
	Retries        int           `yaml:"retries" mapstructure:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	LockTTL        time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	DefinitionFile string        `yaml:"definition_file" mapstructure:"definition_file"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run-health alerting. Alerts are only sent when
// WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinFinishedRuns      int     `yaml:"min_finished_runs" mapstructure:"min_finished_runs"`
	StuckRunHours        int     `yaml:"stuck_run_hours" mapstructure:"stuck_run_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// VenvBin returns the absolute directory holding the virtualenv executables.
func (c *Config) VenvBin() string {
	return c.resolve(c.VenvDir)
}

// DBTExecutable returns the path of the dbt executable inside the virtualenv.
func (c *Config) DBTExecutable() string {
	return filepath.Join(c.VenvBin(), "dbt")
}

// DBTProjectDir returns the directory dbt commands run from.
func (c *Config) DBTProjectDir() string {
	return c.resolve(c.DBTDir)
}

// OutputDir returns the directory CSV artifacts are written to.
func (c *Config) OutputDir() string {
	return c.resolve(c.Output.Dir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("IDEALISTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy variable names used by the extraction script and the DAG.
	bindings := map[string][]string{
		"project_root":      {"IDEALISTA_PROJECT_ROOT"},
		"rapidapi.key":      {"IDEALISTA_RAPIDAPI_KEY", "RAPIDAPI_KEY"},
		"warehouse.project": {"IDEALISTA_WAREHOUSE_PROJECT", "BIGQUERY_PROJECT_ID"},
		"warehouse.dataset": {"IDEALISTA_WAREHOUSE_DATASET", "BIGQUERY_DATASET"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "config: resolve working directory")
	}

	// Defaults
	v.SetDefault("project_root", cwd)
	v.SetDefault("venv_dir", filepath.Join(".venv", "bin"))
	v.SetDefault("dbt_dir", "dbt")
	v.SetDefault("rapidapi.host", "idealista7.p.rapidapi.com")
	v.SetDefault("idealista.base_url", "https://idealista7.p.rapidapi.com")
	v.SetDefault("idealista.timeout", 30*time.Second)
	v.SetDefault("idealista.order", "relevance")
	v.SetDefault("idealista.operation", "sale")
	v.SetDefault("idealista.country", "es")
	v.SetDefault("idealista.locale", "es")
	v.SetDefault("idealista.since_date", "M")
	v.SetDefault("extract.page_size", 40)
	v.SetDefault("extract.page_delay", 500*time.Millisecond)
	v.SetDefault("extract.concurrency", 1)
	v.SetDefault("extract.locations", []map[string]string{
		{"id": "0-EU-ES-28-04", "name": "Zona sur, Madrid"},
	})
	v.SetDefault("output.dir", "data")
	v.SetDefault("warehouse.dataset", "raw_data")
	v.SetDefault("warehouse.table", "idealista_properties")
	v.SetDefault("pipeline.name", "idealista_analytics_pipeline")
	v.SetDefault("pipeline.schedule", "0 0 6 * * *")
	v.SetDefault("pipeline.retries", 1)
	v.SetDefault("pipeline.retry_delay", 5*time.Minute)
	v.SetDefault("pipeline.lock_ttl", 12*time.Hour)
	v.SetDefault("store.path", "pipeline.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_finished_runs", 3)
	v.SetDefault("monitoring.stuck_run_hours", 6)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 72)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that have no sane fallback.
func (c *Config) Validate() error {
	if c.Extract.PageSize <= 0 {
		return eris.Errorf("config: extract.page_size must be positive, got %d", c.Extract.PageSize)
	}
	if c.Extract.Concurrency <= 0 {
		return eris.Errorf("config: extract.concurrency must be positive, got %d", c.Extract.Concurrency)
	}
	if c.Pipeline.Retries < 0 {
		return eris.Errorf("config: pipeline.retries must not be negative, got %d", c.Pipeline.Retries)
	}
	for i, loc := range c.Extract.Locations {
		if loc.ID == "" {
			return eris.Errorf("config: extract.locations[%d] has no id", i)
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
