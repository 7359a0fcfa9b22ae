package config

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Input    InputConfig    `yaml:"input" mapstructure:"input"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Export   ExportConfig   `yaml:"export" mapstructure:"export"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
	Publish  PublishConfig  `yaml:"publish" mapstructure:"publish"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// EngineConfig configures the percentile run.
type EngineConfig struct {
	Level       string `yaml:"level" mapstructure:"level" validate:"required"`
	Columns     string `yaml:"columns" mapstructure:"columns" validate:"required"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1,max=64"`
}

// InputConfig configures how the source table is fetched and parsed.
type InputConfig struct {
	Encoding    string `yaml:"encoding" mapstructure:"encoding"`
	Delimiter   string `yaml:"delimiter" mapstructure:"delimiter" validate:"max=1"`
	Entry       string `yaml:"entry" mapstructure:"entry"`
	Sheet       string `yaml:"sheet" mapstructure:"sheet"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"min=1"`
	Retries     int    `yaml:"retries" mapstructure:"retries" validate:"min=1,max=10"`
}

// OutputConfig configures the written artifacts.
type OutputConfig struct {
	Dir          string `yaml:"dir" mapstructure:"dir" validate:"required"`
	Name         string `yaml:"name" mapstructure:"name"`
	LookupFormat string `yaml:"lookup_format" mapstructure:"lookup_format" validate:"oneof=xlsx csv both"`
}

// ExportConfig configures the optional shapefile join.
type ExportConfig struct {
	Geometry    string `yaml:"geometry" mapstructure:"geometry"`
	GeomIDField string `yaml:"geom_id_field" mapstructure:"geom_id_field"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
}

// StoreConfig configures the run record database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres none"`
	Path        string `yaml:"path" mapstructure:"path" validate:"required_if=Driver sqlite"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required_if=Driver postgres"`
}

// PostgresConfig configures publishing the output table to Postgres.
type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table" validate:"required_with=DatabaseURL"`
	Mode        string `yaml:"mode" mapstructure:"mode" validate:"oneof=replace upsert"`
	Geometry    bool   `yaml:"geometry" mapstructure:"geometry"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"min=0"`
}

// PublishConfig configures artifact upload to S3-compatible storage.
type PublishConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket" validate:"required_with=Endpoint"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	Region    string `yaml:"region" mapstructure:"region"`
	Secure    bool   `yaml:"secure" mapstructure:"secure"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EJSCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("engine.level", "national")
	v.SetDefault("engine.columns", "columns.yaml")
	v.SetDefault("engine.concurrency", 4)
	v.SetDefault("input.encoding", "")
	v.SetDefault("input.delimiter", ",")
	v.SetDefault("input.entry", "")
	v.SetDefault("input.sheet", "")
	v.SetDefault("input.timeout_secs", 30)
	v.SetDefault("input.retries", 3)
	v.SetDefault("output.dir", "out")
	v.SetDefault("output.lookup_format", "xlsx")
	v.SetDefault("output.name", "")
	v.SetDefault("export.geometry", "")
	v.SetDefault("export.geom_id_field", "")
	v.SetDefault("export.schema", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "ejscreen.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("postgres.mode", "replace")
	v.SetDefault("postgres.table", "")
	v.SetDefault("postgres.database_url", "")
	v.SetDefault("postgres.geometry", false)
	v.SetDefault("postgres.max_conns", 0)
	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.access_key", "")
	v.SetDefault("publish.secret_key", "")
	v.SetDefault("publish.prefix", "ejscreen")
	v.SetDefault("publish.region", "")
	v.SetDefault("publish.secure", true)
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

	return &cfg, nil
}

// Validate checks field constraints and reports every violation using the
// dotted configuration key.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
	})

	err := v.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return eris.Wrap(err, "config: validate")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := key + " fails " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return eris.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
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
