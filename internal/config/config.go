package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CYBERSHIELD"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "cybershield.db"
	defaultLogLevel            = "info"
	defaultTokenIssuer         = "cybershield-auth"
	defaultTokenAudience       = "cybershield-api"
	defaultTokenTTLMinutes     = 60
	defaultOTPTTLMinutes       = 10
	defaultOTPStore            = StoreMemory
	defaultOTPPruneSchedule    = "@every 1m"
	defaultRedisAddress        = "127.0.0.1:6379"
	defaultHeartbeatSchedule   = "@every 30s"
	defaultMaxMissedHeartbeats = 2
	defaultSendBuffer          = 16
	defaultBreakerMaxFailures  = 5
	defaultBreakerTimeout      = 30
	defaultClientURL           = "ws://127.0.0.1:8080/ws"
	defaultReconnectSeconds    = 3
)

// OTP store kinds accepted by otp.store.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server and the realtime client.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	OTPTTL           time.Duration
	OTPStore         string
	OTPPruneSchedule string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	SMSBreakerMaxFailures uint32
	SMSBreakerTimeout     time.Duration

	HeartbeatSchedule   string
	MaxMissedHeartbeats int
	SendBuffer          int
	TrustClientIdentity bool

	ClientURL            string
	ClientReconnectDelay time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("otp.ttl_minutes", defaultOTPTTLMinutes)
	configViper.SetDefault("otp.store", defaultOTPStore)
	configViper.SetDefault("otp.prune_schedule", defaultOTPPruneSchedule)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("sms.breaker_max_failures", defaultBreakerMaxFailures)
	configViper.SetDefault("sms.breaker_timeout_seconds", defaultBreakerTimeout)
	configViper.SetDefault("realtime.heartbeat_schedule", defaultHeartbeatSchedule)
	configViper.SetDefault("realtime.max_missed_heartbeats", defaultMaxMissedHeartbeats)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.trust_client_identity", false)
	configViper.SetDefault("client.url", defaultClientURL)
	configViper.SetDefault("client.reconnect_seconds", defaultReconnectSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		OTPTTL:           time.Duration(configViper.GetInt("otp.ttl_minutes")) * time.Minute,
		OTPStore:         strings.ToLower(strings.TrimSpace(configViper.GetString("otp.store"))),
		OTPPruneSchedule: configViper.GetString("otp.prune_schedule"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		TwilioAccountSID: configViper.GetString("twilio.account_sid"),
		TwilioAuthToken:  configViper.GetString("twilio.auth_token"),
		TwilioFromNumber: configViper.GetString("twilio.from_number"),

		SMSBreakerMaxFailures: configViper.GetUint32("sms.breaker_max_failures"),
		SMSBreakerTimeout:     time.Duration(configViper.GetInt("sms.breaker_timeout_seconds")) * time.Second,

		HeartbeatSchedule:   configViper.GetString("realtime.heartbeat_schedule"),
		MaxMissedHeartbeats: configViper.GetInt("realtime.max_missed_heartbeats"),
		SendBuffer:          configViper.GetInt("realtime.send_buffer"),
		TrustClientIdentity: configViper.GetBool("realtime.trust_client_identity"),

		ClientURL:            configViper.GetString("client.url"),
		ClientReconnectDelay: time.Duration(configViper.GetInt("client.reconnect_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// TwilioConfigured reports whether every Twilio credential is present.
func (c AppConfig) TwilioConfigured() bool {
	return strings.TrimSpace(c.TwilioAccountSID) != "" &&
		strings.TrimSpace(c.TwilioAuthToken) != "" &&
		strings.TrimSpace(c.TwilioFromNumber) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("otp.ttl_minutes must be positive")
	}
	switch c.OTPStore {
	case StoreMemory, StoreRedis:
	case StoreSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite otp store")
		}
	default:
		return fmt.Errorf("otp.store %q is not one of memory, sqlite, redis", c.OTPStore)
	}
	if c.OTPStore == StoreRedis && strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required for the redis otp store")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxMissedHeartbeats <= 0 {
		return fmt.Errorf("realtime.max_missed_heartbeats must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if strings.TrimSpace(c.HeartbeatSchedule) == "" {
		return fmt.Errorf("realtime.heartbeat_schedule is required")
	}
	if strings.TrimSpace(c.OTPPruneSchedule) == "" {
		return fmt.Errorf("otp.prune_schedule is required")
	}
	return nil
}
