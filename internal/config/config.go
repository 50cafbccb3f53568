package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type ObjectStoreConfig struct {
	Backend    string `json:"backend"` // "sqlite" or "minio"
	SQLitePath string `json:"sqlite_path"`
	Endpoint   string `json:"endpoint"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	Bucket     string `json:"bucket"`
	UseTLS     bool   `json:"use_tls"`
}

type JobStoreConfig struct {
	Backend    string `json:"backend"` // "sqlite" or "postgres"
	SQLitePath string `json:"sqlite_path"`
	DSN        string `json:"dsn"`
}

type RateLimitConfig struct {
	Backend           string `json:"backend"` // "memory" or "redis"
	RedisAddress      string `json:"redis_address"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	TokensPerMinute   int    `json:"tokens_per_minute"`
	RequestsPerDay    int    `json:"requests_per_day"`
	DayBoundaryTZ     string `json:"day_boundary_timezone"`
	MaxRetries        int    `json:"max_retries"`
}

type LLMConfig struct {
	BaseURL    string  `json:"base_url"`
	Model      string  `json:"model"`
	Timeout    float64 `json:"timeout"`
	MaxRetries int     `json:"max_retries"`
}

type PipelineConfig struct {
	TargetChunkTokens      int           `json:"target_chunk_tokens"`
	OverlapTokens          int           `json:"overlap_tokens"`
	ParagraphBoundarySlack float64       `json:"paragraph_boundary_slack"`
	MaxConcurrency         int           `json:"max_concurrency"`
	ChunkMaxAttempts       int           `json:"chunk_max_attempts"`
	RateLimitMaxRetries    int           `json:"rate_limit_max_retries"`
	OutputTokenRatio       float64       `json:"output_token_ratio"`
	ChunkCallTimeout       time.Duration `json:"chunk_call_timeout"`
	ChunkTotalTimeout      time.Duration `json:"chunk_total_timeout"`
	JobTotalTimeout        time.Duration `json:"job_total_timeout"`
	MaxSourceSizeBytes     int64         `json:"max_source_size_bytes"`
	CostPerInputToken      float64       `json:"cost_per_input_token"`
	CostPerOutputToken     float64       `json:"cost_per_output_token"`
}

type Config struct {
	DataDir     string            `json:"data_dir"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	JobStore    JobStoreConfig    `json:"job_store"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	LLM         LLMConfig         `json:"llm"`
	Pipeline    PipelineConfig    `json:"pipeline"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".lfmt")
	return Config{
		DataDir: dataDir,
		Host:    "127.0.0.1",
		Port:    8742,
		ObjectStore: ObjectStoreConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(dataDir, "objects.db"),
			Bucket:     "lfmt-chunks",
		},
		JobStore: JobStoreConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(dataDir, "jobs.db"),
		},
		RateLimit: RateLimitConfig{
			Backend:           "memory",
			RedisAddress:      "redis://127.0.0.1:6379",
			RequestsPerMinute: 60,
			TokensPerMinute:   150000,
			RequestsPerDay:    10000,
			DayBoundaryTZ:     "UTC",
			MaxRetries:        5,
		},
		LLM: LLMConfig{
			BaseURL:    "http://127.0.0.1:1234/v1",
			Model:      "default",
			Timeout:    60.0,
			MaxRetries: 3,
		},
		Pipeline: PipelineConfig{
			TargetChunkTokens:      3500,
			OverlapTokens:          250,
			ParagraphBoundarySlack: 0.10,
			MaxConcurrency:         10,
			ChunkMaxAttempts:       3,
			RateLimitMaxRetries:    5,
			OutputTokenRatio:       1.0,
			ChunkCallTimeout:       60 * time.Second,
			ChunkTotalTimeout:      10 * time.Minute,
			JobTotalTimeout:        6 * time.Hour,
			MaxSourceSizeBytes:     500 * 1024 * 1024,
			CostPerInputToken:      0.000003,
			CostPerOutputToken:     0.000006,
		},
	}
}

func LoadConfig() Config {
	cfg := DefaultConfig()

	if dataDir := os.Getenv("LFMT_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
		cfg.ObjectStore.SQLitePath = filepath.Join(dataDir, "objects.db")
		cfg.JobStore.SQLitePath = filepath.Join(dataDir, "jobs.db")
	}
	if host := os.Getenv("LFMT_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("LFMT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if url := os.Getenv("LFMT_LLM_BASE_URL"); url != "" {
		cfg.LLM.BaseURL = url
	}
	if model := os.Getenv("LFMT_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if backend := os.Getenv("LFMT_OBJECT_STORE_BACKEND"); backend != "" {
		cfg.ObjectStore.Backend = backend
	}
	if endpoint := os.Getenv("LFMT_MINIO_ENDPOINT"); endpoint != "" {
		cfg.ObjectStore.Endpoint = endpoint
	}
	if key := os.Getenv("LFMT_MINIO_ACCESS_KEY"); key != "" {
		cfg.ObjectStore.AccessKey = key
	}
	if secret := os.Getenv("LFMT_MINIO_SECRET_KEY"); secret != "" {
		cfg.ObjectStore.SecretKey = secret
	}
	if backend := os.Getenv("LFMT_JOB_STORE_BACKEND"); backend != "" {
		cfg.JobStore.Backend = backend
	}
	if dsn := os.Getenv("LFMT_JOB_STORE_DSN"); dsn != "" {
		cfg.JobStore.DSN = dsn
	}
	if backend := os.Getenv("LFMT_RATE_LIMIT_BACKEND"); backend != "" {
		cfg.RateLimit.Backend = backend
	}
	if addr := os.Getenv("LFMT_REDIS_ADDRESS"); addr != "" {
		cfg.RateLimit.RedisAddress = addr
	}
	if rpm := os.Getenv("LFMT_RATE_LIMIT_REQUESTS_PER_MINUTE"); rpm != "" {
		if v, err := strconv.Atoi(rpm); err == nil {
			cfg.RateLimit.RequestsPerMinute = v
		}
	}
	if tpm := os.Getenv("LFMT_RATE_LIMIT_TOKENS_PER_MINUTE"); tpm != "" {
		if v, err := strconv.Atoi(tpm); err == nil {
			cfg.RateLimit.TokensPerMinute = v
		}
	}
	if rpd := os.Getenv("LFMT_RATE_LIMIT_REQUESTS_PER_DAY"); rpd != "" {
		if v, err := strconv.Atoi(rpd); err == nil {
			cfg.RateLimit.RequestsPerDay = v
		}
	}
	if conc := os.Getenv("LFMT_MAX_CONCURRENCY"); conc != "" {
		if v, err := strconv.Atoi(conc); err == nil {
			cfg.Pipeline.MaxConcurrency = v
		}
	}

	cfg.EnsureDirs()
	return cfg
}

func (c *Config) EnsureDirs() {
	os.MkdirAll(c.DataDir, 0o755)
}
