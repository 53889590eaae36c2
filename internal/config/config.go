package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    ServerConfig    `env:",prefix=SERVER_"`
	Postgres  PostgresConfig  `env:",prefix=POSTGRES_"`
	Redis     RedisConfig     `env:",prefix=REDIS_"`
	Auth      AuthConfig      `env:",prefix=AUTH_"`
	Security  SecurityConfig  `env:",prefix=SECURITY_"`
	OAuth     OAuthConfig     `env:",prefix=OAUTH_"`
	Refresh   RefreshConfig   `env:",prefix=REFRESH_"`
	RateLimit RateLimitConfig `env:",prefix=RATE_LIMIT_"`
	Events    EventsConfig    `env:",prefix=EVENTS_"`
	Platforms PlatformsConfig
	CORS      CORSConfig      `env:",prefix=CORS_"`
	Env       string          `env:"ENV,default=development"`
}

type ServerConfig struct {
	Port         string   `env:"PORT,default=8080"`
	Host         string   `env:"HOST,default=0.0.0.0"`
	ReadTimeout  Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout Duration `env:"WRITE_TIMEOUT,default=0s"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is
	// honored. Empty trusts none.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

type PostgresConfig struct {
	Host        string `env:"HOST,default=localhost"`
	Port        string `env:"PORT,default=5432"`
	User        string `env:"USER,default=social_connections"`
	Password    string `env:"PASSWORD,default=social_connections_password"`
	DBName      string `env:"DB,default=social_connections_db"`
	SSLMode     string `env:"SSLMODE,default=disable"`
	AutoMigrate bool   `env:"AUTO_MIGRATE,default=true"`
}

type RedisConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=6379"`
	Password string `env:"PASSWORD,default="`
	DB       int    `env:"DB,default=0"`
}

// AuthConfig validates bearer tokens issued to platform users by the auth service
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET,required"`
}

type SecurityConfig struct {
	// TokenEncryptionKey encrypts OAuth tokens at rest. Ignored when
	// EncryptionKeySecret names an AWS Secrets Manager secret.
	TokenEncryptionKey  string `env:"TOKEN_ENCRYPTION_KEY"`
	EncryptionKeySecret string `env:"ENCRYPTION_KEY_SECRET"`

	IngressRateLimitRequests int      `env:"INGRESS_RATE_LIMIT_REQUESTS,default=30"`
	IngressRateLimitWindow   Duration `env:"INGRESS_RATE_LIMIT_WINDOW,default=1m"`
}

type OAuthConfig struct {
	// CallbackBaseURL is the public URL platforms redirect back to; the platform
	// name is appended as the last path segment
	CallbackBaseURL string   `env:"CALLBACK_BASE_URL,default=http://localhost:8080/api/v1/callback"`
	StateTTL        Duration `env:"STATE_TTL,default=10m"`
	RequestTimeout  Duration `env:"REQUEST_TIMEOUT,default=10s"`
}

type RefreshConfig struct {
	SweepInterval     Duration `env:"SWEEP_INTERVAL,default=1m"`
	Threshold         Duration `env:"THRESHOLD,default=5m"`
	ThresholdFraction float64  `env:"THRESHOLD_FRACTION,default=0.1"`
	BackoffBase       Duration `env:"BACKOFF_BASE,default=30s"`
	BackoffMax        Duration `env:"BACKOFF_MAX,default=30m"`
	Jitter            float64  `env:"JITTER,default=0.2"`
	MaxRetries        int      `env:"MAX_RETRIES,default=8"`
	DefaultLifetime   Duration `env:"DEFAULT_TOKEN_LIFETIME,default=60d"`
	Concurrency       int      `env:"CONCURRENCY,default=8"`
	BatchSize         int      `env:"BATCH_SIZE,default=200"`
	LockTTL           Duration `env:"LOCK_TTL,default=45s"`
	DisconnectWait    Duration `env:"DISCONNECT_LOCK_WAIT,default=15s"`
	// LockBackend is "redis" for locks shared across instances or "memory"
	// for a single instance
	LockBackend string `env:"LOCK_BACKEND,default=redis"`
}

type RateLimitConfig struct {
	// Backend is "redis" for limits shared across instances or "memory"
	Backend        string         `env:"BACKEND,default=redis"`
	DefaultLimit   int            `env:"DEFAULT_LIMIT,default=100"`
	Window         Duration       `env:"WINDOW,default=1m"`
	PlatformLimits map[string]int `env:"PLATFORM_LIMITS"`
	PerAccount     []string       `env:"PER_ACCOUNT"`
}

type EventsConfig struct {
	RedisChannelPrefix string   `env:"REDIS_CHANNEL_PREFIX,default=connections:status:"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS"`
	KafkaTopic         string   `env:"KAFKA_TOPIC,default=social-connection-status"`
}

type PlatformsConfig struct {
	Facebook  ProviderConfig `env:",prefix=FACEBOOK_"`
	Instagram ProviderConfig `env:",prefix=INSTAGRAM_"`
	Twitter   ProviderConfig `env:",prefix=TWITTER_"`
	LinkedIn  ProviderConfig `env:",prefix=LINKEDIN_"`
	TikTok    ProviderConfig `env:",prefix=TIKTOK_"`
	YouTube   ProviderConfig `env:",prefix=YOUTUBE_"`
}

// ProviderConfig holds OAuth client credentials for one platform. The URL
// fields override the platform's public endpoints, e.g. to target a mock provider.
type ProviderConfig struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES"`
	AuthURL      string   `env:"AUTH_URL"`
	TokenURL     string   `env:"TOKEN_URL"`
	RevokeURL    string   `env:"REVOKE_URL"`
	ProfileURL   string   `env:"PROFILE_URL"`
}

// Enabled reports whether client credentials were configured
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

type CORSConfig struct {
	AllowedOrigins []string `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
	AllowedMethods []string `env:"ALLOWED_METHODS,default=GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders []string `env:"ALLOWED_HEADERS,default=Content-Type,Authorization"`
}

// DSN returns PostgreSQL connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// URL returns PostgreSQL connection URL in the form golang-migrate expects
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// Address returns Redis connection address
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	var config Config

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters long")
	}

	if c.Security.EncryptionKeySecret == "" && len(c.Security.TokenEncryptionKey) < 32 {
		return fmt.Errorf("SECURITY_TOKEN_ENCRYPTION_KEY must be at least 32 characters long or SECURITY_ENCRYPTION_KEY_SECRET must be set")
	}

	if c.Refresh.ThresholdFraction <= 0 || c.Refresh.ThresholdFraction > 1 {
		return fmt.Errorf("REFRESH_THRESHOLD_FRACTION must be in (0, 1], got %v", c.Refresh.ThresholdFraction)
	}

	if err := requirePositive(
		namedDuration{"OAUTH_STATE_TTL", c.OAuth.StateTTL},
		namedDuration{"OAUTH_REQUEST_TIMEOUT", c.OAuth.RequestTimeout},
		namedDuration{"REFRESH_SWEEP_INTERVAL", c.Refresh.SweepInterval},
		namedDuration{"REFRESH_BACKOFF_BASE", c.Refresh.BackoffBase},
		namedDuration{"REFRESH_LOCK_TTL", c.Refresh.LockTTL},
		namedDuration{"REFRESH_DEFAULT_TOKEN_LIFETIME", c.Refresh.DefaultLifetime},
		namedDuration{"RATE_LIMIT_WINDOW", c.RateLimit.Window},
	); err != nil {
		return err
	}

	// A refresh holds the connection lock across one platform call
	if err := requireLonger(
		namedDuration{"REFRESH_LOCK_TTL", c.Refresh.LockTTL},
		namedDuration{"OAUTH_REQUEST_TIMEOUT", c.OAuth.RequestTimeout},
	); err != nil {
		return err
	}

	if c.Refresh.BackoffMax.Duration < c.Refresh.BackoffBase.Duration {
		return fmt.Errorf("REFRESH_BACKOFF_MAX (%s) must not be shorter than REFRESH_BACKOFF_BASE (%s)",
			c.Refresh.BackoffMax, c.Refresh.BackoffBase)
	}

	if c.Refresh.Concurrency < 1 {
		return fmt.Errorf("REFRESH_CONCURRENCY must be positive, got %d", c.Refresh.Concurrency)
	}

	switch strings.ToLower(c.RateLimit.Backend) {
	case "redis", "memory":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be redis or memory, got %q", c.RateLimit.Backend)
	}

	switch strings.ToLower(c.Refresh.LockBackend) {
	case "", "redis", "memory":
	default:
		return fmt.Errorf("REFRESH_LOCK_BACKEND must be redis or memory, got %q", c.Refresh.LockBackend)
	}

	if c.RateLimit.DefaultLimit < 1 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT_LIMIT must be positive, got %d", c.RateLimit.DefaultLimit)
	}

	return nil
}

// LoadWithDefaults loads configuration with default context
func LoadWithDefaults() (*Config, error) {
	return Load(context.Background())
}
