// Package config loads service settings from an optional file, a .env file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/tonerelay/pkg/configutil"
)

type Config struct {
	ServerAddr      string        `mapstructure:"server_addr"`
	ServerURL       string        `mapstructure:"server_url"`
	VirtualNumber   string        `mapstructure:"virtual_number"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	Transcriber   TranscriberConfig   `mapstructure:"transcriber"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Tone          ToneConfig          `mapstructure:"tone"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type TranscriberConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	URL          string        `mapstructure:"url"`
	Model        string        `mapstructure:"model"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AuthConfig struct {
	TokenURL string `mapstructure:"token_url"`
}

type ToneConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	URL              string        `mapstructure:"url"`
	Version          string        `mapstructure:"version"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	EventsFile string `mapstructure:"events_file"`
}

// Environment variable names read by the relay.
const (
	EnvServerURL         = "SERVER_URL"
	EnvVirtualNumber     = "NEXMO_VIRTUAL_NUMBER"
	EnvTranscriptionKey  = "WATSON_TRANSCRIPTION_KEY"
	EnvToneKey           = "WATSON_TONE_KEY"
	defaultLogFile       = "/tmp/workshop.log"
	defaultServerAddress = ":8000"
)

var fileSections = configutil.Sections{
	"server_addr", "server_url", "virtual_number", "allowed_origins", "shutdown_timeout",
	"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
	"transcriber", "auth", "tone", "privacy", "observability",
}

// Load reads .env (if present), then path (if set), then the environment.
// Later sources win. The result is validated.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"server_url":          EnvServerURL,
		"virtual_number":      EnvVirtualNumber,
		"transcriber.api_key": EnvTranscriptionKey,
		"tone.api_key":        EnvToneKey,
	} {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var sections []string
		for _, k := range v.AllKeys() {
			if v.InConfig(k) {
				sections = append(sections, strings.SplitN(k, ".", 2)[0])
			}
		}
		if err := fileSections.Check(sections); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := configutil.DecodeSettings(v.AllSettings(), &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandValue(reflect.ValueOf(&cfg))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", defaultServerAddress)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", defaultLogFile)
	v.SetDefault("log_max_size_mb", 1)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("transcriber.url", "wss://stream.watsonplatform.net/speech-to-text/api/v1/recognize")
	v.SetDefault("transcriber.model", "en-UK_NarrowbandModel")
	v.SetDefault("transcriber.close_timeout", 3*time.Second)
	v.SetDefault("transcriber.write_timeout", 5*time.Second)
	v.SetDefault("auth.token_url", "https://iam.cloud.ibm.com/identity/token")
	v.SetDefault("tone.url", "https://gateway.watsonplatform.net/tone-analyzer/api")
	v.SetDefault("tone.version", "2016-05-19")
	v.SetDefault("tone.timeout", 10*time.Second)
	v.SetDefault("tone.breaker_threshold", 3)
	v.SetDefault("tone.breaker_cooldown", 30*time.Second)
	v.SetDefault("privacy.redact_pii", false)
	v.SetDefault("observability.events_file", "")
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	return errors.Join(
		configutil.RequireString(c.ServerURL, EnvServerURL),
		configutil.RequireString(c.VirtualNumber, EnvVirtualNumber),
		configutil.RequireString(c.Transcriber.APIKey, EnvTranscriptionKey),
		configutil.RequireString(c.Tone.APIKey, EnvToneKey),
	)
}

const secretKey = "api_key"

// expandValue applies os.ExpandEnv to every string field except API keys,
// which are used verbatim.
func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).Tag.Get("mapstructure") == secretKey {
				continue
			}
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
