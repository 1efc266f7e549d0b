package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	defaultSessionSecret = "dev-session-secret-change-me"
	defaultJWTSecret     = "dev-secret-change-me"
)

type Config struct {
	Port                  string
	Env                   string
	DatabaseDriver        string
	DatabaseDSN           string
	SessionSecret         string
	SessionMaxAgeHours    int
	JWTSecret             string
	AccessTokenTTLMinutes int
	MediaDir              string
	AllowedOrigins        []string
}

// env 变量名与配置键的映射；CONFIG_FILE 指向的 yaml 使用左侧的键。
var envKeys = map[string]string{
	"port":                     "APP_PORT",
	"env":                      "APP_ENV",
	"database_driver":          "DATABASE_DRIVER",
	"database_dsn":             "DATABASE_DSN",
	"session_secret":           "SESSION_SECRET",
	"session_max_age_hours":    "SESSION_MAX_AGE_HOURS",
	"jwt_secret":               "JWT_SECRET",
	"access_token_ttl_minutes": "ACCESS_TOKEN_TTL_MINUTES",
	"media_dir":                "MEDIA_DIR",
	"allowed_origins":          "ALLOWED_ORIGINS",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("env", "dev")
	v.SetDefault("database_driver", "postgres")
	v.SetDefault("database_dsn", "host=localhost user=postgres password=postgres dbname=roomhub port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("session_secret", defaultSessionSecret)
	v.SetDefault("session_max_age_hours", 24*14)
	v.SetDefault("jwt_secret", defaultJWTSecret)
	v.SetDefault("access_token_ttl_minutes", 15)
	v.SetDefault("media_dir", "./media")
	v.SetDefault("allowed_origins", "")
	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}
	return v
}

// positive 读取整数配置，非法或非正数时回退到默认值。
func positive(v *viper.Viper, key string, def int) int {
	n := v.GetInt(key)
	if n <= 0 {
		return def
	}
	return n
}

// Load 按 默认值 < 配置文件 < 环境变量 的优先级加载配置。
func Load() Config {
	v := newViper()
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("file", file).Msg("config file not loaded, using env and defaults")
		}
	}

	var origins []string
	for _, o := range strings.Split(v.GetString("allowed_origins"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return Config{
		Port:                  v.GetString("port"),
		Env:                   v.GetString("env"),
		DatabaseDriver:        v.GetString("database_driver"),
		DatabaseDSN:           v.GetString("database_dsn"),
		SessionSecret:         v.GetString("session_secret"),
		SessionMaxAgeHours:    positive(v, "session_max_age_hours", 24*14),
		JWTSecret:             v.GetString("jwt_secret"),
		AccessTokenTTLMinutes: positive(v, "access_token_ttl_minutes", 15),
		MediaDir:              v.GetString("media_dir"),
		AllowedOrigins:        origins,
	}
}

// Validate 拒绝缺失的必填项，以及非 dev 环境下仍使用默认密钥的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	if !slices.Contains([]string{"postgres", "mysql", "sqlite"}, cfg.DatabaseDriver) {
		return fmt.Errorf("config: unsupported database driver %q", cfg.DatabaseDriver)
	}
	if cfg.Env != "dev" {
		if cfg.JWTSecret == "" || cfg.JWTSecret == defaultJWTSecret {
			return errors.New("config: JWT_SECRET must be set outside dev")
		}
		if cfg.SessionSecret == "" || cfg.SessionSecret == defaultSessionSecret {
			return errors.New("config: SESSION_SECRET must be set outside dev")
		}
	}
	return nil
}
