// Package cfg implements typed, validated environment-variable
// configuration (C8), loaded once at process start. An invalid value is a
// fatal startup error; there is no partial or degraded config.
package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Secret wraps sensitive config values. String/MarshalJSON redact the
// value so it can never leak into logs via a %v or encoding/json call; Wipe
// zeroes the backing bytes once the value is no longer needed.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}

func (s Secret) Value() string { return string(s.value) }

func (s *Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}

func (s Secret) String() string { return "***REDACTED***" }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"***REDACTED***"`), nil }

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string

	StorePath             string
	MaxPasteSize          int64
	DefaultExpiration     time.Duration
	MaxExplicitExpiration time.Duration
	ReaperInterval        time.Duration
	ShutdownGracePeriod   time.Duration
	ReadCacheSize         int

	KMSProvider string
	VaultAddr   string
	VaultToken  Secret
	AWSRegion   string
	KMSLocalKey Secret
	KEKCacheTTL time.Duration

	RateLimit     RateLimitCfg
	RedisAddr     string
	RedisTLS      bool
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration

	TrustedProxies         []string
	AllowedOrigins         []string
	ContextTimeout         time.Duration
	IPHashRotationInterval time.Duration
	Pepper                 Secret

	MetricsUser        string
	MetricsPass        Secret
	MetricsRequireMTLS bool

	AdminTokenHash   string
	AdminTokenPepper Secret
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// Load reads and validates configuration from the environment, loading a
// .env file first via godotenv for local/dev convenience (a missing .env is
// not an error; production deployments set real env vars).
func Load() (*Cfg, error) {
	_ = godotenv.Load()

	c := &Cfg{}
	var err error

	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	c.StorePath = getEnv("STORE_PATH", "omegaupload.db")
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 3*1024*1024*1024)
	if err != nil {
		return nil, err
	}
	c.DefaultExpiration, err = getDuration("DEFAULT_EXPIRATION", 6*time.Hour)
	if err != nil {
		return nil, err
	}
	c.MaxExplicitExpiration, err = getDuration("MAX_EXPLICIT_EXPIRATION", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.ReaperInterval, err = getDuration("REAPER_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ShutdownGracePeriod, err = getDuration("SHUTDOWN_GRACE_PERIOD", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.ReadCacheSize, err = getInt("READ_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	c.KMSProvider = strings.ToLower(getEnv("KMS_PROVIDER", "none"))
	c.VaultAddr = getEnv("VAULT_ADDR", "")
	c.VaultToken = NewSecret(getEnv("VAULT_TOKEN", ""))
	c.AWSRegion = getEnv("AWS_REGION", "")
	c.KMSLocalKey = NewSecret(getEnv("KMS_LOCAL_KEY", ""))
	c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5)
	if err != nil {
		return nil, err
	}
	c.RedisAddr = getEnv("REDIS_ADDR", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))

	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.MetricsRequireMTLS = getEnv("METRICS_REQUIRE_MTLS", "false") == "true"

	c.AdminTokenHash = getEnv("ADMIN_TOKEN_HASH", "")
	c.AdminTokenPepper = NewSecret(getEnv("ADMIN_TOKEN_PEPPER", ""))

	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	if c.StorePath == "" {
		return errors.New("STORE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absStorePath, err := filepath.Abs(c.StorePath)
	if err != nil {
		return fmt.Errorf("invalid STORE_PATH: %w", err)
	}
	if !strings.HasPrefix(absStorePath, absWorkDir+string(filepath.Separator)) && absStorePath != absWorkDir {
		return fmt.Errorf("STORE_PATH must be within working directory %s", absWorkDir)
	}

	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.DefaultExpiration <= 0 {
		return errors.New("DEFAULT_EXPIRATION must be positive")
	}
	if c.MaxExplicitExpiration < c.DefaultExpiration {
		return errors.New("MAX_EXPLICIT_EXPIRATION must be >= DEFAULT_EXPIRATION")
	}
	if c.ReaperInterval < time.Second {
		return errors.New("REAPER_INTERVAL must be at least one second")
	}
	if c.ShutdownGracePeriod <= 0 {
		return errors.New("SHUTDOWN_GRACE_PERIOD must be positive")
	}
	if c.ReadCacheSize < 0 {
		return errors.New("READ_CACHE_SIZE must be non-negative (0 disables the cache)")
	}

	switch c.KMSProvider {
	case "none", "local", "vault", "aws-kms", "aws-secretsmanager":
	default:
		return fmt.Errorf("unknown KMS_PROVIDER %q", c.KMSProvider)
	}
	if c.KMSProvider == "vault" && c.VaultAddr == "" {
		return errors.New("VAULT_ADDR is required when KMS_PROVIDER=vault")
	}
	if (c.KMSProvider == "aws-kms" || c.KMSProvider == "aws-secretsmanager") && c.AWSRegion == "" {
		return errors.New("AWS_REGION is required when KMS_PROVIDER=aws-kms or aws-secretsmanager")
	}
	if c.KMSProvider == "local" && c.KMSLocalKey.Value() == "" {
		return errors.New("KMS_LOCAL_KEY is required when KMS_PROVIDER=local")
	}
	if c.KEKCacheTTL < time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}

	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.RedisAddr != "" {
		if !strings.HasPrefix(c.RedisAddr, "redis://") && !strings.HasPrefix(c.RedisAddr, "rediss://") {
			return errors.New("REDIS_ADDR must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisAddr, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_ADDR uses rediss:// but REDIS_TLS=false")
		}
	}

	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if len(c.Pepper.Value()) > 0 && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes when set")
	}

	if c.AdminTokenHash != "" && len(c.AdminTokenPepper.Value()) < 32 {
		return errors.New("ADMIN_TOKEN_PEPPER must be at least 32 bytes when ADMIN_TOKEN_HASH is set")
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required in production (used for IP hash rotation)")
		}
	}

	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.VaultToken.Wipe()
	c.KMSLocalKey.Wipe()
	c.AdminTokenPepper.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}

func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
