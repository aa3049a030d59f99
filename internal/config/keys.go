package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	field   string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", field: "Server.Host", typ: kString, env: "DM_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "DM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "api.token", field: "API.Token", typ: kString, env: "DM_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "DM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "flows.dir", field: "Flows.Dir", typ: kString, env: "DM_FLOWS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Flows.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Flows.Dir },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "DM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", field: "Log.Format", typ: kString, env: "DM_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "ollama.base_url", field: "Ollama.BaseURL", typ: kString, env: "DM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", field: "Ollama.Model", typ: kString, env: "DM_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "queue.backend", field: "Queue.Backend", typ: kString, env: "DM_QUEUE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Queue.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.Backend },
	},
	{
		key: "queue.redis_addr", field: "Queue.RedisAddr", typ: kString, env: "DM_QUEUE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Queue.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.RedisAddr },
	},
	{
		key: "queue.poll_interval", field: "Queue.PollInterval", typ: kDuration, env: "DM_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "job.timeout", field: "Job.Timeout", typ: kDuration, env: "DM_JOB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Job.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Job.Timeout },
	},
	{
		key: "job.stuck_after", field: "Job.StuckAfter", typ: kDuration, env: "DM_JOB_STUCK_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Job.StuckAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Job.StuckAfter },
	},
	{
		key: "job.reap_interval", field: "Job.ReapInterval", typ: kDuration, env: "DM_JOB_REAP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Job.ReapInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Job.ReapInterval },
	},
	{
		key: "worker.count", field: "Worker.Count", typ: kInt, env: "DM_WORKER_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Worker.Count = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Count },
	},
	{
		key: "http.timeout", field: "HTTP.Timeout", typ: kDuration, env: "DM_HTTP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.HTTP.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.HTTP.Timeout },
	},
	{
		key: "files.root", field: "Files.Root", typ: kString, env: "DM_FILES_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Files.Root = v.(string) },
		extract: func(cfg Config) any { return cfg.Files.Root },
	},
	{
		key: "export.bucket_url", field: "Export.BucketURL", typ: kString, env: "DM_EXPORT_BUCKET_URL",
		apply:   func(cfg *Config, v any) { cfg.Export.BucketURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.BucketURL },
	},
	{
		key: "export.prefix", field: "Export.Prefix", typ: kString, env: "DM_EXPORT_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Export.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.Prefix },
	},
	{
		key: "wordpress.base_url", field: "WordPress.BaseURL", typ: kString, env: "DM_WORDPRESS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.WordPress.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.WordPress.BaseURL },
	},
	{
		key: "wordpress.username", field: "WordPress.Username", typ: kString, env: "DM_WORDPRESS_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.WordPress.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.WordPress.Username },
	},
	{
		key: "wordpress.app_password", field: "WordPress.AppPassword", typ: kString, env: "DM_WORDPRESS_APP_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.WordPress.AppPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.WordPress.AppPassword },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
