package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateTuple is a limit/window pair for one action class.
type RateTuple struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	Port         string
	GRPCAddr     string
	DatabaseDSN  string
	RedisAddr    string
	AMQPURL      string
	AMQPExchange string
	JWTSecret    string
	JWTIssuer    string
	OTLPEndpoint string
	LogLevel     string
	Environment  string

	PresenceTTL        time.Duration
	TypingTTL          time.Duration
	RingTimeout        time.Duration
	CallSweepInterval  time.Duration
	WSPermits          int
	WSPermitWait       time.Duration
	SignalBufferMax    int
	RateLimitPrune     time.Duration
	DispatchTaskExpiry time.Duration

	TURNURIs   []string
	TURNSecret string
	TURNTTL    time.Duration

	ConnectPerOrigin RateTuple
	JoinPerUser      RateTuple
	SendPerUserRoom  RateTuple
	SendPerUser      RateTuple
	TypingPerUser    RateTuple
}

// Load reads configuration from the environment, after merging a local .env
// file when one exists.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config: could not read .env", "error", err)
	}

	return Config{
		Port:         getEnv("PORT", "8083"),
		GRPCAddr:     getEnv("GRPC_ADDR", ":9083"),
		DatabaseDSN:  getEnv("DB_DSN", ""),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "rtc.events"),
		JWTSecret:    getEnv("JWT_SECRET", "dev-secret"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Environment:  getEnv("APP_ENV", "dev"),

		PresenceTTL:        envDuration("PRESENCE_TTL_MS", 5000),
		TypingTTL:          envDuration("TYPING_TTL_MS", 6000),
		RingTimeout:        envDuration("RING_TIMEOUT_MS", 45000),
		CallSweepInterval:  envDuration("CALL_SWEEP_INTERVAL_MS", 10000),
		WSPermits:          envPositiveInt("WS_PERMITS", 1000),
		WSPermitWait:       envDuration("WS_PERMIT_WAIT_MS", 50),
		SignalBufferMax:    envPositiveInt("SIGNAL_BUFFER_MAX", 64),
		RateLimitPrune:     envDuration("RATE_LIMIT_PRUNE_MS", 60000),
		DispatchTaskExpiry: envDuration("DISPATCH_TASK_TIMEOUT_MS", 10000),

		TURNURIs:   splitList(getEnv("TURN_URIS", "")),
		TURNSecret: getEnv("TURN_SECRET", ""),
		TURNTTL:    time.Duration(envPositiveInt("TURN_TTL_SECONDS", 86400)) * time.Second,

		ConnectPerOrigin: envRate("RL_CONNECT", RateTuple{Limit: 30, Window: time.Minute}),
		JoinPerUser:      envRate("RL_JOIN", RateTuple{Limit: 60, Window: time.Minute}),
		SendPerUserRoom:  envRate("RL_SEND_ROOM", RateTuple{Limit: 10, Window: time.Second}),
		SendPerUser:      envRate("RL_SEND_USER", RateTuple{Limit: 30, Window: 10 * time.Second}),
		TypingPerUser:    envRate("RL_TYPING", RateTuple{Limit: 20, Window: 10 * time.Second}),
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func envDuration(key string, defaultMillis int) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default_ms", defaultMillis)
	}
	return time.Duration(defaultMillis) * time.Millisecond
}

func envPositiveInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

// envRate reads KEY_LIMIT and KEY_WINDOW_MS.
func envRate(prefix string, fallback RateTuple) RateTuple {
	return RateTuple{
		Limit:  envPositiveInt(prefix+"_LIMIT", fallback.Limit),
		Window: envDuration(prefix+"_WINDOW_MS", int(fallback.Window/time.Millisecond)),
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
