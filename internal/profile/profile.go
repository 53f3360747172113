// Package profile resolves the fabric's runtime configuration from flags,
// environment variables, and defaults.
package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Profile is the configuration needed to start the fabric service.
type Profile struct {
	Mode string // dev, demo, prod
	Addr string
	Port int

	Driver string // postgres, sqlite — backs DocDB/RTDB
	DSN    string

	KVHost      string
	KVPort      int
	KVPassword  string
	KVTLS       bool
	KVTLSVerify bool
	KVDB        int

	ChannelPrefix     string
	ChatChannelPrefix string

	HeartbeatInterval int // seconds, presence heartbeat cadence
	PresenceTTL       int // seconds
	KeepaliveInterval int // seconds, websocket ping cadence

	RPCAPIVersion      string
	RPCIdempDisable    bool
	RPCIdempDisableSet map[string]bool
	RPCIdempTTL        int // seconds

	ServiceToken string // bearer token for /rpc and /lpt/callback

	WorkflowListenerEnabled    bool
	TransactionListenerEnabled bool
	UnifiedRegistryEnabled     bool
	RegistryDebug              bool

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	TelegramBotToken string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURL  string

	InstanceURL string
	Version     string
	Region      string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// FromEnv populates Profile fields recognised from the environment. Values
// already set (e.g. via CLI flags) for Mode/Addr/Port/Driver/DSN are left
// untouched.
func (p *Profile) FromEnv() {
	if getEnv("USE_LOCAL_REDIS", "") == "true" {
		p.KVHost = "127.0.0.1"
		p.KVPort = 6379
	} else {
		p.KVHost = getEnv("LISTENERS_REDIS_HOST", "127.0.0.1")
		p.KVPort = getEnvInt("LISTENERS_REDIS_PORT", 6379)
	}
	p.KVPassword = getEnv("LISTENERS_REDIS_PASSWORD", "")
	p.KVTLS = getEnvBool("LISTENERS_REDIS_TLS", false)
	p.KVTLSVerify = getEnvBool("LISTENERS_REDIS_TLS_VERIFY", true)
	p.KVDB = getEnvInt("LISTENERS_REDIS_DB", 0)

	p.ChannelPrefix = getEnv("LISTENERS_CHANNEL_PREFIX", "user:")
	p.ChatChannelPrefix = getEnv("LISTENERS_CHAT_CHANNEL_PREFIX", "chat:")

	p.HeartbeatInterval = getEnvInt("LISTENERS_HEARTBEAT_INTERVAL", 45)
	p.PresenceTTL = getEnvInt("LISTENERS_TTL_SECONDS", 90)
	p.KeepaliveInterval = getEnvInt("WEBSOCKET_KEEPALIVE_INTERVAL", 30)

	p.RPCAPIVersion = getEnv("RPC_API_VERSION", "v1")
	p.RPCIdempDisable = getEnvBool("RPC_IDEMP_DISABLE", false)
	p.RPCIdempDisableSet = map[string]bool{}
	for _, m := range strings.Split(getEnv("RPC_IDEMP_DISABLE_METHODS", ""), ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			p.RPCIdempDisableSet[m] = true
		}
	}
	p.RPCIdempTTL = getEnvInt("RPC_IDEMP_TTL", 900)

	p.ServiceToken = getEnv("LISTENERS_SERVICE_TOKEN", "")

	p.WorkflowListenerEnabled = getEnvBool("WORKFLOW_LISTENER_ENABLED", true)
	p.TransactionListenerEnabled = getEnvBool("TRANSACTION_LISTENER_ENABLED", true)
	p.UnifiedRegistryEnabled = getEnvBool("UNIFIED_REGISTRY_ENABLED", false)
	p.RegistryDebug = getEnvBool("REGISTRY_DEBUG", false)

	p.OpenAIAPIKey = getEnv("FABRIC_LLM_API_KEY", "")
	p.OpenAIBaseURL = getEnv("FABRIC_LLM_BASE_URL", "https://api.openai.com/v1")
	p.OpenAIModel = getEnv("FABRIC_LLM_MODEL", "gpt-4o-mini")

	p.TelegramBotToken = getEnv("FABRIC_TELEGRAM_BOT_TOKEN", "")

	p.OAuthClientID = getEnv("FABRIC_GOOGLE_OAUTH_CLIENT_ID", "")
	p.OAuthClientSecret = getEnv("FABRIC_GOOGLE_OAUTH_CLIENT_SECRET", "")
	p.OAuthRedirectURL = getEnv("FABRIC_GOOGLE_OAUTH_REDIRECT_URL", "")

	p.Region = getEnv("FABRIC_REGION", "local")
}

// Validate applies defaults for fields that must be non-empty and rejects
// inconsistent combinations.
func (p *Profile) Validate() error {
	switch p.Mode {
	case "dev", "demo", "prod":
	default:
		p.Mode = "dev"
	}

	if p.Driver == "" {
		p.Driver = "postgres"
	}
	if p.Driver != "postgres" && p.Driver != "sqlite" {
		return fmt.Errorf("unsupported driver %q: want postgres or sqlite", p.Driver)
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = "fabric.db"
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return fmt.Errorf("postgres driver requires --dsn")
	}

	if p.Port == 0 {
		p.Port = 28080
	}
	return nil
}

func (p *Profile) IsDev() bool { return p.Mode != "prod" }

// KVAddr returns the host:port pair go-redis expects.
func (p *Profile) KVAddr() string {
	return fmt.Sprintf("%s:%d", p.KVHost, p.KVPort)
}
