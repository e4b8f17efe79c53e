package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for backlog stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // marketplace events waiting to be fanned out
	DLQTopic       string // dead webhook deliveries
	WorkerChannel  string // NSQ channel name for fan-out workers
}

type Webhook struct {
	SigningKey    string        // 64 hex chars; encrypts subscription secrets at rest
	MaxAttempts   int           // attempts per subscription per event
	BaseDelay     time.Duration // first retry delay, doubled per attempt
	JitterPercent float64       // backoff jitter fraction (0.0-1.0)
	Concurrency   int           // subscriptions delivered in parallel per event
	Timeout       time.Duration // per-attempt timeout
	UserAgent     string
	PublishDLQ    bool // also publish dead deliveries to the DLQ topic
}

type Auth struct {
	PublicKeyPath string // PEM RSA public key used to verify ingest bearer tokens
	Issuer        string
	Audience      string
	Required      bool
}

type FakeReceiver struct {
	FailFirstN      int    // Number of requests to fail initially
	SigningSecret   string // whsec_ secret for X-KM-Signature verification
	ResponseDelayMS int    // Simulated response delay in milliseconds
	Port            string
	CertFile        string // optional TLS cert; receivers must be HTTPS to pass the origin guard
	KeyFile         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName        string
	HTTPPort       string // ingest API, :8080
	WorkerHTTPPort string // worker health and metrics, :8083
	DB             DB
	NSQ            NSQ
	Webhook        Webhook
	Auth           Auth
	FakeReceiver   FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "kmhook"),
		HTTPPort:       getenv("HTTP_PORT", ":8080"),
		WorkerHTTPPort: ":" + getenv("WORKER_HTTP_PORT", "8083"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "kmhook"),
			MaxConns: getenvInt("DB_MAX_CONNS", 10),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "webhook_events"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "webhook_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "fanout"),
		},
		Webhook: Webhook{
			SigningKey:    getenv("WEBHOOK_SIGNING_KEY", ""),
			MaxAttempts:   getenvInt("WEBHOOK_MAX_ATTEMPTS", 3),
			BaseDelay:     getenvDuration("WEBHOOK_BASE_DELAY", time.Second),
			JitterPercent: getenvFloat("WEBHOOK_JITTER_PCT", 0.10),
			Concurrency:   getenvInt("WEBHOOK_CONCURRENCY", 10),
			Timeout:       getenvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			UserAgent:     getenv("WEBHOOK_USER_AGENT", "KnowledgeMarket-Webhook/1.0"),
			PublishDLQ:    getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Auth: Auth{
			PublicKeyPath: getenv("JWT_PUBLIC_KEY_PATH", ""),
			Issuer:        getenv("JWT_ISSUER", "knowledge-market"),
			Audience:      getenv("JWT_AUDIENCE", "kmhook"),
			Required:      getenvBool("AUTH_REQUIRED", true),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			SigningSecret:   getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8443"),
			CertFile:        getenv("FAKE_RECEIVER_TLS_CERT", ""),
			KeyFile:         getenv("FAKE_RECEIVER_TLS_KEY", ""),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// DSN returns a pgxpool connection string; credentials are URL-escaped.
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Pass),
		Host:     net.JoinHostPort(c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=disable",
	}
	if c.DB.MaxConns > 0 {
		u.RawQuery += fmt.Sprintf("&pool_max_conns=%d", c.DB.MaxConns)
	}
	return u.String()
}
