package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig
	API       APIConfig
	Storage   StorageConfig
	Flows     FlowsConfig
	Log       LogConfig
	Ollama    OllamaConfig
	Queue     QueueConfig
	Job       JobConfig
	Worker    WorkerConfig
	HTTP      HTTPConfig
	Files     FilesConfig
	Export    ExportConfig
	WordPress WordPressConfig
}

type ServerConfig struct {
	Host string `validate:"required"`
	Port int    `validate:"min=1,max=65535"`
}

type APIConfig struct {
	Token string
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type FlowsConfig struct {
	Dir string
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn warning error"`
	Format string `validate:"oneof=text json"`
}

type OllamaConfig struct {
	BaseURL string `validate:"required,url"`
	Model   string
}

type QueueConfig struct {
	Backend      string `validate:"oneof=poll redis"`
	RedisAddr    string `validate:"required_if=Backend redis"`
	PollInterval time.Duration
}

type JobConfig struct {
	Timeout      time.Duration `validate:"gt=0"`
	StuckAfter   time.Duration `validate:"gt=0,gtfield=Timeout"`
	ReapInterval time.Duration
}

type WorkerConfig struct {
	Count int `validate:"min=1,max=64"`
}

type HTTPConfig struct {
	Timeout time.Duration `validate:"gt=0"`
}

type FilesConfig struct {
	Root string
}

type ExportConfig struct {
	BucketURL string
	Prefix    string
}

type WordPressConfig struct {
	BaseURL     string `validate:"omitempty,url"`
	Username    string `validate:"required_with=BaseURL"`
	AppPassword string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
		Queue: QueueConfig{
			Backend:      "poll",
			PollInterval: 2 * time.Second,
		},
		Job: JobConfig{
			Timeout:      10 * time.Minute,
			StuckAfter:   30 * time.Minute,
			ReapInterval: time.Minute,
		},
		Worker: WorkerConfig{
			Count: 1,
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
		},
		Export: ExportConfig{
			Prefix: "exports",
		},
	}
}

// Load reads configuration from the JSON config file, environment variables,
// and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/datamachine/config.json.
// Environment variables (DM_*) override file values. Secrets are never read
// from the config file: they come from DM_* variables or from
// $XDG_DATA_HOME/datamachine/secrets.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), fileSecrets{})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks value ranges and cross-field requirements.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", keyFor(fe.StructNamespace()), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// keyFor maps a validator namespace such as Config.Queue.RedisAddr back to
// the config key, falling back to the namespace itself.
func keyFor(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	for _, s := range specs {
		if s.field == ns {
			return s.key
		}
	}
	return ns
}
