package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/validator"
)

type User struct {
	ID         string `mapstructure:"id"          json:"id"          validate:"required,uuid_rfc4122"`
	Note       string `mapstructure:"note"        json:"note"        validate:"required"`
	SessionKey string `mapstructure:"session_key" json:"session_key" validate:"required"`
	Unlimited  bool   `mapstructure:"unlimited"   json:"unlimited"`
}

type PostgresConfig struct {
	User               string        `validate:"required"`
	Password           string        `validate:"required"`
	Host               string        `validate:"required"`
	Database           string        `validate:"required"`
	MaxIdleConnections int           `validate:"required" mapstructure:"max_idle_connections"`
	MaxOpenConnections int           `validate:"required" mapstructure:"max_open_connections"`
	ConnectionTTL      time.Duration `validate:"required" mapstructure:"connection_ttl"`
	Port               int16         `validate:"required"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type GormLogConfig struct {
	Level        int  `mapstructure:"level"`
	TraceQueries bool `mapstructure:"trace_queries"`
}

type LoggingConfig struct {
	Gorm    GormLogConfig `mapstructure:"gorm"`
	App     SlogConfig    `mapstructure:"app"`
	UseOTLP bool          `mapstructure:"use_otlp"`
}

type ArchiveConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	SSLEnabled      bool   `mapstructure:"ssl_enabled"`
	Enabled         bool   `mapstructure:"enabled"`
}

type RateLimitConfig struct {
	RedisHost       string `mapstructure:"redis_host"`
	GlobalPerMinute int64  `mapstructure:"global_per_minute"`
	SubmitPerMinute int64  `mapstructure:"submit_per_minute"`
	FailOpen        bool   `mapstructure:"fail_open"`
}

// Rolling 24 hour admission ceilings. Zero disables a ceiling.
type LimitsConfig struct {
	UserDaily   int64 `mapstructure:"user_daily"`
	GlobalDaily int64 `mapstructure:"global_daily"`
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key" validate:"required"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type ClaudeConfig struct {
	Binary string `mapstructure:"binary"`
	Model  string `mapstructure:"model"`
}

type AIConfig struct {
	Gemini      *GeminiConfig `mapstructure:"gemini"`
	Claude      *ClaudeConfig `mapstructure:"claude"`
	Provider    string        `mapstructure:"provider"     validate:"required,oneof=gemini claude"`
	PromptsDir  string        `mapstructure:"prompts_dir"  validate:"required"`
	TimeoutSecs int64         `mapstructure:"timeout_secs"`
}

type TranslateConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Enabled bool   `mapstructure:"enabled"`
}

// See graderapi.yaml for an example config
type Config struct {
	Postgres             *PostgresConfig  `mapstructure:"postgres"               validate:"required"`
	Logging              *LoggingConfig   `mapstructure:"logging"                validate:"required"`
	Archive              *ArchiveConfig   `mapstructure:"archive"`
	RateLimit            *RateLimitConfig `mapstructure:"ratelimit"`
	Limits               *LimitsConfig    `mapstructure:"limits"                 validate:"required"`
	AI                   *AIConfig        `mapstructure:"ai"                     validate:"required"`
	Translate            *TranslateConfig `mapstructure:"translate"`
	ContentDir           string           `mapstructure:"content_dir"            validate:"required"`
	TempDir              *string          `mapstructure:"temp_dir"`
	ListenAddress        string           `mapstructure:"listen_address"         validate:"required"`
	Users                []User           `mapstructure:"users"                  validate:"required"`
	GracefulShutdownSecs int64            `mapstructure:"graceful_shutdown_secs"`
}

const (
	AIProvider                 string = "ai.provider"
	AITimeoutSecs              string = "ai.timeout_secs"
	AppLogLevel                string = "logging.app.level"
	ArchiveAccessKeyID         string = "archive.access_key_id"
	ArchiveEnabled             string = "archive.enabled"
	ArchiveSSLEnabled          string = "archive.ssl_enabled"
	ArchiveSecretAccessKey     string = "archive.secret_access_key" // #nosec
	ClaudeBinary               string = "ai.claude.binary"
	ClaudeModel                string = "ai.claude.model"
	ContentDir                 string = "content_dir"
	EnvPrefix                  string = "graderapi"
	GeminiAPIKey               string = "ai.gemini.api_key" // #nosec
	GeminiBaseURL              string = "ai.gemini.base_url"
	GeminiModel                string = "ai.gemini.model"
	GlobalDaily                string = "limits.global_daily"
	GlobalPerMinute            string = "ratelimit.global_per_minute"
	GormLogLevel               string = "logging.gorm.level"
	GormTraceQueries           string = "logging.gorm.trace_queries"
	GracefulShutdownSecs       string = "graceful_shutdown_secs"
	ListenAddress              string = "listen_address"
	PostgresConnectonTTL       string = "postgres.connection_ttl"
	PostgresDatabase           string = "postgres.database"
	PostgresHost               string = "postgres.host"
	PostgresMaxIdleConnections string = "postgres.max_idle_connections"
	PostgresMaxOpenConnections string = "postgres.max_open_connections"
	PostgresPassword           string = "postgres.password"
	PostgresPort               string = "postgres.port"
	PostgresUser               string = "postgres.user"
	PromptsDir                 string = "ai.prompts_dir"
	RateLimitFailOpen          string = "ratelimit.fail_open"
	RedisHost                  string = "ratelimit.redis_host"
	SubmitPerMinute            string = "ratelimit.submit_per_minute"
	TempDir                    string = "temp_dir"
	TranslateAPIKey            string = "translate.api_key" // #nosec
	TranslateEnabled           string = "translate.enabled"
	UseOTLP                    string = "logging.use_otlp"
	UserDaily                  string = "limits.user_daily"
)

var configReady = false
var config Config

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("graderapi")

	v.AddConfigPath("/etc/graderapi/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	err := v.BindEnv(PostgresPassword)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(TranslateAPIKey)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(ArchiveAccessKeyID)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(ArchiveSecretAccessKey)
	if err != nil {
		return nil, err
	}

	v.SetDefault(ListenAddress, "[::]:1323")
	v.SetDefault(PostgresHost, "localhost")
	v.SetDefault(PostgresPort, 5432)
	v.SetDefault(PostgresMaxIdleConnections, 2)
	v.SetDefault(PostgresMaxOpenConnections, 10)
	v.SetDefault(PostgresConnectonTTL, 10*time.Minute)
	v.SetDefault(GormLogLevel, int(slog.LevelDebug))
	v.SetDefault(GormTraceQueries, false)
	v.SetDefault(AppLogLevel, int(slog.LevelDebug))
	v.SetDefault(UseOTLP, false)

	v.SetDefault(ArchiveEnabled, false)
	v.SetDefault(ArchiveSSLEnabled, true)

	v.SetDefault(RedisHost, "localhost")
	v.SetDefault(GlobalPerMinute, 0)
	v.SetDefault(SubmitPerMinute, 0)
	v.SetDefault(RateLimitFailOpen, true)

	v.SetDefault(UserDaily, 10)
	v.SetDefault(GlobalDaily, 200)

	v.SetDefault(AIProvider, "gemini")
	v.SetDefault(AITimeoutSecs, 180)
	v.SetDefault(PromptsDir, "prompts")
	v.SetDefault(GeminiModel, "gemini-2.5-pro")
	v.SetDefault(GeminiBaseURL, "https://generativelanguage.googleapis.com")
	v.SetDefault(ClaudeBinary, "claude")
	v.SetDefault(ClaudeModel, "claude-sonnet-4-5")

	v.SetDefault(TranslateEnabled, false)

	v.SetDefault(ContentDir, "content")
	v.SetDefault(TempDir, "/tmp")
	v.SetDefault(GracefulShutdownSecs, 30)

	err = v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	configReady = true
	return &config, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Postgres.User),
		url.QueryEscape(c.Postgres.Password),
		c.Postgres.Host, c.Postgres.Port,
		url.QueryEscape(c.Postgres.Database),
	)
}

func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AI.TimeoutSecs) * time.Second
}
