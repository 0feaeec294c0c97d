package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration for the prior-auth core.
// Policy windows are configuration, not constants: the 30-day appeal window
// and 90-day SLA window are the product defaults and must be overridable
// per deployment.
type Server struct {
	Addr          string
	PostgresDSN   string
	RedisURL      string
	KafkaBrokers  []string
	JWTSigningKey string

	AppealWindow   time.Duration
	SLAWindow      time.Duration
	RequestTimeout time.Duration
	SweepInterval  time.Duration

	ConnectorRetryBudget int

	// PHIReaderRoles is the allowed-role set for decrypting PHI fields.
	PHIReaderRoles []string

	// PHIKeys maps key version to hex-encoded 32-byte key material; the
	// active version is used for all new encryption, older versions stay
	// loaded for decrypting historical ciphertexts.
	PHIKeys      map[int]string
	PHIActiveKey int

	OAuth2Payer PayerOAuth2
	APIKeyPayer PayerAPIKey
}

// PayerOAuth2 configures an OAuth2 client-credentials payer integration.
type PayerOAuth2 struct {
	ID           string
	TokenURL     string
	SubmitURL    string
	StatusURL    string
	ClientID     string
	ClientSecret string
	AssertionKey string
}

// Enabled reports whether the integration is configured.
func (p PayerOAuth2) Enabled() bool { return p.ID != "" }

// PayerAPIKey configures a static API-key payer integration.
type PayerAPIKey struct {
	ID        string
	SubmitURL string
	StatusURL string
	APIKey    string
}

func (p PayerAPIKey) Enabled() bool { return p.ID != "" }

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:                 envString("PRIORAUTH_ADDR", ":8080"),
		PostgresDSN:          os.Getenv("PRIORAUTH_POSTGRES_DSN"),
		RedisURL:             os.Getenv("PRIORAUTH_REDIS_URL"),
		KafkaBrokers:         envList("PRIORAUTH_KAFKA_BROKERS"),
		JWTSigningKey:        envString("PRIORAUTH_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		AppealWindow:         envDuration("PRIORAUTH_APPEAL_WINDOW", 30*24*time.Hour),
		SLAWindow:            envDuration("PRIORAUTH_SLA_WINDOW", 90*24*time.Hour),
		RequestTimeout:       envDuration("PRIORAUTH_REQUEST_TIMEOUT", 30*time.Second),
		SweepInterval:        envDuration("PRIORAUTH_SWEEP_INTERVAL", time.Hour),
		ConnectorRetryBudget: envInt("PRIORAUTH_CONNECTOR_RETRIES", 3),
		PHIReaderRoles:       envListDefault("PRIORAUTH_PHI_READER_ROLES", []string{"clinician", "compliance_officer"}),
		PHIKeys:              envKeyMap("PRIORAUTH_PHI_KEYS"),
		PHIActiveKey:         envInt("PRIORAUTH_PHI_ACTIVE_KEY", 1),
		OAuth2Payer: PayerOAuth2{
			ID:           os.Getenv("PRIORAUTH_PAYER_OAUTH2_ID"),
			TokenURL:     os.Getenv("PRIORAUTH_PAYER_OAUTH2_TOKEN_URL"),
			SubmitURL:    os.Getenv("PRIORAUTH_PAYER_OAUTH2_SUBMIT_URL"),
			StatusURL:    os.Getenv("PRIORAUTH_PAYER_OAUTH2_STATUS_URL"),
			ClientID:     os.Getenv("PRIORAUTH_PAYER_OAUTH2_CLIENT_ID"),
			ClientSecret: os.Getenv("PRIORAUTH_PAYER_OAUTH2_CLIENT_SECRET"),
			AssertionKey: os.Getenv("PRIORAUTH_PAYER_OAUTH2_ASSERTION_KEY"),
		},
		APIKeyPayer: PayerAPIKey{
			ID:        os.Getenv("PRIORAUTH_PAYER_APIKEY_ID"),
			SubmitURL: os.Getenv("PRIORAUTH_PAYER_APIKEY_SUBMIT_URL"),
			StatusURL: os.Getenv("PRIORAUTH_PAYER_APIKEY_STATUS_URL"),
			APIKey:    os.Getenv("PRIORAUTH_PAYER_APIKEY_KEY"),
		},
	}
}

// envKeyMap parses "1:<hex>,2:<hex>" into a version→key map.
func envKeyMap(key string) map[int]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[int]string)
	for _, pair := range strings.Split(v, ",") {
		version, material, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(version); err == nil && n > 0 {
			out[n] = material
		}
	}
	return out
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	return envListDefault(key, nil)
}

func envListDefault(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
