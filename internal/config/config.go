package config

import (
	"time"

	"peercall-backend/pkg/env"
)

// Config holds call-service configuration loaded from the environment
type Config struct {
	Port string

	// Auth
	JWTSecret   string
	JWTAudience string

	// Redis (signaling bus + presence mirror)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	RedisTimeout  time.Duration

	// CockroachDB (call history)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// ICE servers for the peer-connection adapter (STUN at minimum)
	ICEServers []string

	// Call timings
	RingTimeout     time.Duration // callee: unanswered ring treated as reject
	DialTimeout     time.Duration // caller: ring + negotiation window
	ReconnectWindow time.Duration // transient disconnect recovery budget
	HeartbeatTTL    time.Duration // presence expiry without heartbeat
}

// Load reads configuration from environment variables with sane defaults
func Load() *Config {
	return &Config{
		Port: env.GetString("PORT", "8084"),

		JWTSecret:   env.GetStringFromFile("JWT_SECRET", ""),
		JWTAudience: env.GetString("JWT_AUDIENCE", "peercall-api"),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:       env.GetInt("REDIS_DB", 0),
		RedisPoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		RedisTimeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetInt("DB_PORT", 26257),
		DBUser:     env.GetString("DB_USER", "root"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:     env.GetString("DB_NAME", "peercall"),
		DBSSLMode:  env.GetString("DB_SSL_MODE", "disable"),

		ICEServers: env.GetStringSlice("ICE_SERVERS", []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}),

		RingTimeout:     env.GetDuration("CALL_RING_TIMEOUT", 30*time.Second),
		DialTimeout:     env.GetDuration("CALL_DIAL_TIMEOUT", 45*time.Second),
		ReconnectWindow: env.GetDuration("CALL_RECONNECT_WINDOW", 10*time.Second),
		HeartbeatTTL:    env.GetDuration("PRESENCE_HEARTBEAT_TTL", 5*time.Minute),
	}
}
