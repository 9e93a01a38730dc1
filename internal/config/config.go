package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Host            string
	Port            string
	Environment     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	JobSeqKey    string
}

type StorageConfig struct {
	UploadPath        string
	OutputPath        string
	TempPath          string
	MaxFileSize       int64
	AllowedExtensions []string
}

type SchedulerConfig struct {
	MaxConcurrentJobs int
	AdmissionTick     time.Duration
	DrainTimeout      time.Duration
	DefaultPriority   int
}

type MonitorConfig struct {
	Interval         time.Duration
	HistorySize      int
	SampleTimeout    time.Duration
	DCGMExporterURL  string
	NvidiaSMIPath    string
	RuntimeProbePath string
	// AcceleratedRuntime overrides runtime detection when set.
	AcceleratedRuntime *bool
}

type BroadcastConfig struct {
	HeartbeatTimeout     time.Duration
	HousekeepingInterval time.Duration
	MetricsInterval      time.Duration
	SendBuffer           int
	ControlRateLimit     float64
	ControlBurst         int
}

type BackendConfig struct {
	WhisperURL    string
	FireRedASRURL string
	Timeout       time.Duration
}

type PostProcessConfig struct {
	URL      string
	Language string
	Timeout  time.Duration
}

type MediaConfig struct {
	FFmpegPath    string
	DecodeTimeout time.Duration
	SampleRate    int
	GracePeriod   time.Duration
}

type ArchiveConfig struct {
	Enabled        bool
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	CleanupAfter   time.Duration
	Concurrency    int
}

type AuthConfig struct {
	JWTSecret    string
	AdminKeyHash string
	TokenTTL     time.Duration
	Issuer       string
}

type CatalogConfig struct {
	ModelsFile string
}

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Scheduler   SchedulerConfig
	Monitor     MonitorConfig
	Broadcast   BroadcastConfig
	Backend     BackendConfig
	PostProcess PostProcessConfig
	Media       MediaConfig
	Archive     ArchiveConfig
	Auth        AuthConfig
	Catalog     CatalogConfig
	LogLevel    string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8000"),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "transcription"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntEnv("REDIS_MIN_IDLE_CONNS", 2),
			JobSeqKey:    getEnv("REDIS_JOB_SEQ_KEY", "transcription:job_seq"),
		},
		Storage: StorageConfig{
			UploadPath:        getEnv("STORAGE_UPLOAD_PATH", "./uploads"),
			OutputPath:        getEnv("STORAGE_OUTPUT_PATH", "./outputs"),
			TempPath:          getEnv("STORAGE_TEMP_PATH", "./temp"),
			MaxFileSize:       getInt64Env("STORAGE_MAX_FILE_SIZE", 2*1024*1024*1024),
			AllowedExtensions: getListEnv("STORAGE_ALLOWED_EXTENSIONS", []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".mp4", ".mkv", ".mov", ".webm"}),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: getIntEnv("SCHEDULER_MAX_CONCURRENT_JOBS", 2),
			AdmissionTick:     getDurationEnv("SCHEDULER_ADMISSION_TICK", time.Second),
			DrainTimeout:      getDurationEnv("SCHEDULER_DRAIN_TIMEOUT", 15*time.Second),
			DefaultPriority:   getIntEnv("SCHEDULER_DEFAULT_PRIORITY", 1),
		},
		Monitor: MonitorConfig{
			Interval:         getDurationEnv("MONITOR_INTERVAL", 2*time.Second),
			HistorySize:      getIntEnv("MONITOR_HISTORY_SIZE", 1000),
			SampleTimeout:    getDurationEnv("MONITOR_SAMPLE_TIMEOUT", 10*time.Second),
			DCGMExporterURL:  getEnv("MONITOR_DCGM_EXPORTER_URL", ""),
			NvidiaSMIPath:    getEnv("MONITOR_NVIDIA_SMI_PATH", "nvidia-smi"),
			RuntimeProbePath: getEnv("MONITOR_RUNTIME_PROBE_PATH", "trtexec"),

			AcceleratedRuntime: getOptionalBoolEnv("ACCELERATED_RUNTIME_AVAILABLE"),
		},
		Broadcast: BroadcastConfig{
			HeartbeatTimeout:     getDurationEnv("BROADCAST_HEARTBEAT_TIMEOUT", 30*time.Second),
			HousekeepingInterval: getDurationEnv("BROADCAST_HOUSEKEEPING_INTERVAL", 10*time.Second),
			MetricsInterval:      getDurationEnv("BROADCAST_METRICS_INTERVAL", 2*time.Second),
			SendBuffer:           getIntEnv("BROADCAST_SEND_BUFFER", 256),
			ControlRateLimit:     getFloatEnv("BROADCAST_CONTROL_RATE", 10),
			ControlBurst:         getIntEnv("BROADCAST_CONTROL_BURST", 20),
		},
		Backend: BackendConfig{
			WhisperURL:    getEnv("BACKEND_WHISPER_URL", "http://localhost:8387"),
			FireRedASRURL: getEnv("BACKEND_FIREREDASR_URL", "http://localhost:8388"),
			Timeout:       getDurationEnv("BACKEND_TIMEOUT", 30*time.Minute),
		},
		PostProcess: PostProcessConfig{
			URL:      getEnv("POSTPROCESS_URL", ""),
			Language: getEnv("POSTPROCESS_LANGUAGE", "zh"),
			Timeout:  getDurationEnv("POSTPROCESS_TIMEOUT", 30*time.Second),
		},
		Media: MediaConfig{
			FFmpegPath:    getEnv("MEDIA_FFMPEG_PATH", "ffmpeg"),
			DecodeTimeout: getDurationEnv("MEDIA_DECODE_TIMEOUT", 10*time.Minute),
			SampleRate:    getIntEnv("MEDIA_SAMPLE_RATE", 16000),
			GracePeriod:   getDurationEnv("MEDIA_GRACE_PERIOD", 5*time.Second),
		},
		Archive: ArchiveConfig{
			Enabled:        getBoolEnv("ARCHIVE_ENABLED", false),
			MinIOEndpoint:  getEnv("ARCHIVE_MINIO_ENDPOINT", "localhost:9000"),
			MinIOAccessKey: getEnv("ARCHIVE_MINIO_ACCESS_KEY", ""),
			MinIOSecretKey: getEnv("ARCHIVE_MINIO_SECRET_KEY", ""),
			MinIOBucket:    getEnv("ARCHIVE_MINIO_BUCKET", "transcripts"),
			MinIOUseSSL:    getBoolEnv("ARCHIVE_MINIO_USE_SSL", false),
			CleanupAfter:   getDurationEnv("ARCHIVE_CLEANUP_AFTER", 24*time.Hour),
			Concurrency:    getIntEnv("ARCHIVE_WORKER_CONCURRENCY", 4),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
			AdminKeyHash: getEnv("AUTH_ADMIN_KEY_HASH", ""),
			TokenTTL:     getDurationEnv("AUTH_TOKEN_TTL", time.Hour),
			Issuer:       getEnv("AUTH_ISSUER", "transcription-service"),
		},
		Catalog: CatalogConfig{
			ModelsFile: getEnv("CATALOG_MODELS_FILE", ""),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Host == "" || c.Database.DBName == "" {
		return fmt.Errorf("database configuration is incomplete")
	}
	if c.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive")
	}
	if c.Scheduler.MaxConcurrentJobs < 1 {
		return fmt.Errorf("scheduler max concurrent jobs must be at least 1")
	}
	if c.Scheduler.AdmissionTick <= 0 || c.Monitor.Interval <= 0 || c.Broadcast.MetricsInterval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	if c.Monitor.HistorySize < 1 {
		return fmt.Errorf("monitor history size must be at least 1")
	}
	if c.Broadcast.SendBuffer < 1 {
		return fmt.Errorf("broadcast send buffer must be at least 1")
	}
	if c.Archive.Enabled && c.Archive.MinIOEndpoint == "" {
		return fmt.Errorf("archive enabled but minio endpoint is empty")
	}
	if c.Auth.AdminKeyHash != "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("admin key configured without a jwt secret")
	}
	return nil
}

// AuthEnabled reports whether admin routes require a bearer token.
func (c *AuthConfig) AuthEnabled() bool {
	return c.JWTSecret != "" && c.AdminKeyHash != ""
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getOptionalBoolEnv returns nil when key is unset or unparsable.
func getOptionalBoolEnv(key string) *bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return nil
	}
	return &b
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
