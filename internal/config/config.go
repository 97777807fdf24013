package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from TOKOROTEN_* environment variables.
type Config struct {
	ScriptsDir string `envconfig:"SCRIPTS_DIR" default:"scripts/python"`
	PythonPath string `envconfig:"PYTHON"`
	FFmpegBin  string `envconfig:"FFMPEG" default:"ffmpeg"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:"tokoroten.db"`
	UploadDir   string `envconfig:"UPLOAD_DIR" default:"uploads"`
	CacheDir    string `envconfig:"CACHE_DIR" default:".cache/stems"`
	UseCache    bool   `envconfig:"USE_CACHE" default:"true"`

	OllamaURL   string `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	OllamaModel string `envconfig:"OLLAMA_MODEL" default:"llama3.1:8b"`

	PadSeconds        float64       `envconfig:"PAD_SECONDS" default:"30"`
	StemTimeout       time.Duration `envconfig:"STEM_TIMEOUT" default:"5m"`
	TranscribeTimeout time.Duration `envconfig:"TRANSCRIBE_TIMEOUT" default:"3m"`
	InsightTimeout    time.Duration `envconfig:"INSIGHT_TIMEOUT" default:"30s"`

	Port        int           `envconfig:"PORT" default:"8080"`
	Workers     int           `envconfig:"WORKERS" default:"2"`
	QueueSize   int           `envconfig:"QUEUE_SIZE" default:"16"`
	JobTTL      time.Duration `envconfig:"JOB_TTL" default:"10m"`
	StemWorkers int           `envconfig:"STEM_WORKERS" default:"4"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load processes the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("tokoroten", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.PadSeconds < 0 {
		return Config{}, fmt.Errorf("load config: PAD_SECONDS must be >= 0, got %v", cfg.PadSeconds)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.StemWorkers < 1 {
		cfg.StemWorkers = 1
	}
	return cfg, nil
}
