package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment         string
	LogLevel            string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	JWTSecret           string
	SecretEncryptionKey string
	AccessTokenTTL      time.Duration
	WebhookSecret       string
	EventBuffer         int

	AdmissionMaxRequests int
	AdmissionWindow      time.Duration
	AdmissionRedisAddr   string
	AdmissionRedisPass   string
	AdmissionRedisDB     int

	DetectLatencyThresholdMS  int
	DetectErrorRatePercent    float64
	DetectRiskScoreThreshold  int
	DetectConsecutiveHighRisk int
	DetectCostSpikePercent    float64
	DetectInterval            time.Duration
	DetectLookback            time.Duration

	RCAAPIKey      string
	RCAModel       string
	RCATimeout     time.Duration
	RCAQueueSize   int
	RCARecordLimit int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		Addr:                GetString("API_ADDR", ":8080"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://guardrail:guardrail@db:5432/guardrail?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		AccessTokenTTL:      time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		WebhookSecret:       GetString("ALERT_WEBHOOK_SECRET", ""),
		EventBuffer:         GetInt("WS_EVENT_BUFFER", 100),

		AdmissionMaxRequests: GetInt("ADMISSION_MAX_REQUESTS", 60),
		AdmissionWindow:      time.Duration(GetInt("ADMISSION_WINDOW_SECONDS", 60)) * time.Second,
		AdmissionRedisAddr:   GetString("ADMISSION_REDIS_ADDR", ""),
		AdmissionRedisPass:   GetString("ADMISSION_REDIS_PASSWORD", ""),
		AdmissionRedisDB:     GetInt("ADMISSION_REDIS_DB", 0),

		DetectLatencyThresholdMS:  GetInt("DETECT_LATENCY_THRESHOLD_MS", 5000),
		DetectErrorRatePercent:    GetFloat("DETECT_ERROR_RATE_PERCENT", 10),
		DetectRiskScoreThreshold:  GetInt("DETECT_RISK_SCORE_THRESHOLD", 80),
		DetectConsecutiveHighRisk: GetInt("DETECT_CONSECUTIVE_HIGH_RISK", 3),
		DetectCostSpikePercent:    GetFloat("DETECT_COST_SPIKE_PERCENT", 50),
		DetectInterval:            time.Duration(GetInt("DETECT_INTERVAL_SECONDS", 60)) * time.Second,
		DetectLookback:            time.Duration(GetInt("DETECT_LOOKBACK_MINUTES", 15)) * time.Minute,

		RCAAPIKey:      GetString("GEMINI_API_KEY", ""),
		RCAModel:       GetString("RCA_MODEL", "gemini-2.0-flash"),
		RCATimeout:     time.Duration(GetInt("RCA_TIMEOUT_SECONDS", 30)) * time.Second,
		RCAQueueSize:   GetInt("RCA_QUEUE_SIZE", 16),
		RCARecordLimit: GetInt("RCA_RECORD_LIMIT", 20),
	}
}
