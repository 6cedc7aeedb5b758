package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Open-EO/openeo-udf/internal/modelstore"
)

type Config struct {
	Port       string            `yaml:"port"`
	Env        string            `yaml:"env"`
	ModelStore modelstore.Config `yaml:"model_store"`
	// ModelPathRoot confines model handles that reference local files.
	// Empty disables path references.
	ModelPathRoot string      `yaml:"model_path_root"`
	ModelMaxBytes int64       `yaml:"model_max_bytes"`
	Exec          ExecConfig  `yaml:"exec"`
	Codec         CodecConfig `yaml:"codec"`
	// AllowedOrigins restricts browser callers; empty admits any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ShutdownTimeout bounds draining in-flight requests on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ExecConfig struct {
	DefaultLanguage  string        `yaml:"default_language"`
	MaxSteps         uint64        `yaml:"max_steps"`
	Timeout          time.Duration `yaml:"timeout"`
	ProgramCacheSize int           `yaml:"program_cache_size"`
}

type CodecConfig struct {
	PackCompression string `yaml:"pack_compression"`
	ValidateSchema  bool   `yaml:"validate_schema"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	return load(fs, os.Args[1:])
}

// FromEnv loads the configuration from .env, UDF_CONFIG_FILE and the
// environment without parsing command-line flags.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()
	return load(flag.NewFlagSet("env", flag.ContinueOnError), nil)
}

func load(fs *flag.FlagSet, args []string) (*Config, error) {
	port := fs.String("port", "", "server port")
	configFile := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	cfg := defaults(env)
	if path := firstNonEmpty(strings.TrimSpace(*configFile), strings.TrimSpace(os.Getenv("UDF_CONFIG_FILE"))); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		cfg.Port = envPort
	}
	if *port != "" {
		cfg.Port = *port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	cfg.Env = env
	return cfg, nil
}

func defaults(env string) *Config {
	cfg := &Config{
		Port: ":8081",
		Exec: ExecConfig{
			DefaultLanguage:  "starlark",
			ProgramCacheSize: 256,
		},
		Codec: CodecConfig{
			PackCompression: "none",
			ValidateSchema:  true,
		},
		ModelStore: modelstore.Config{
			Hash: modelstore.HashSHA256,
		},
		ModelMaxBytes:   512 << 20,
		ShutdownTimeout: 5 * time.Second,
	}
	if strings.EqualFold(env, "local") {
		applyLocal(cfg)
	}
	return cfg
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	ms := &cfg.ModelStore
	setString(&ms.Backend, "MODEL_STORE_BACKEND")
	setString(&ms.Root, "MODEL_STORE_ROOT")
	setString(&ms.SQLitePath, "MODEL_STORE_SQLITE_PATH")
	setString(&ms.PostgresDSN, "MODEL_STORE_PG_DSN")
	setString(&ms.S3.Endpoint, "MODEL_STORE_S3_ENDPOINT")
	setString(&ms.S3.Region, "MODEL_STORE_S3_REGION")
	setString(&ms.S3.AccessKey, "MODEL_STORE_S3_ACCESS_KEY")
	setString(&ms.S3.SecretKey, "MODEL_STORE_S3_SECRET_KEY")
	setString(&ms.S3.Bucket, "MODEL_STORE_S3_BUCKET")
	setString(&ms.Redis.Address, "MODEL_STORE_REDIS_ADDR")
	setString(&ms.Redis.Password, "MODEL_STORE_REDIS_PASSWORD")
	setString(&ms.Hash, "MODEL_STORE_HASH")
	setString(&cfg.ModelPathRoot, "MODEL_PATH_ROOT")
	setString(&cfg.Exec.DefaultLanguage, "UDF_DEFAULT_LANGUAGE")
	setString(&cfg.Codec.PackCompression, "UDF_PACK_COMPRESSION")

	if err := setBool(&ms.S3.UseSSL, "MODEL_STORE_S3_USE_SSL"); err != nil {
		return err
	}
	if err := setInt(&ms.Redis.DB, "MODEL_STORE_REDIS_DB"); err != nil {
		return err
	}
	if err := setInt(&ms.CacheEntries, "MODEL_STORE_CACHE_ENTRIES"); err != nil {
		return err
	}
	if err := setInt(&cfg.Exec.ProgramCacheSize, "UDF_PROGRAM_CACHE_SIZE"); err != nil {
		return err
	}
	if err := setBool(&cfg.Codec.ValidateSchema, "UDF_VALIDATE_SCHEMA"); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); raw != "" {
		cfg.AllowedOrigins = strings.Split(raw, ",")
	}
	if raw := strings.TrimSpace(os.Getenv("UDF_MAX_STEPS")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("UDF_MAX_STEPS: %w", err)
		}
		cfg.Exec.MaxSteps = v
	}
	if raw := strings.TrimSpace(os.Getenv("MODEL_MAX_BYTES")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("MODEL_MAX_BYTES: %w", err)
		}
		cfg.ModelMaxBytes = v
	}
	if err := setDuration(&cfg.Exec.Timeout, "UDF_EXEC_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&cfg.ShutdownTimeout, "UDF_SHUTDOWN_TIMEOUT")
}

func setDuration(dst *time.Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setInt(dst *int, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
