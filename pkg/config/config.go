package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// LoginConfig controls the login flow and the cookies it issues.
type LoginConfig struct {
	// BaseURL overrides the scheme and host taken from the request when the
	// broker runs behind a proxy. The redirect URI registered at the provider
	// must match it exactly.
	BaseURL      string `yaml:"base_url" env:"OAUTH2_BASE_URL"`
	CallbackPath string `yaml:"callback_path" env:"OAUTH2_CALLBACK_PATH" env-default:"/oauth2/login"`
	FrontendURL  string `yaml:"frontend_url" env:"OAUTH2_FRONTEND_URL" env-default:"/"`
	// Mode selects the local tables: backend (be_users/be_groups) or
	// frontend (fe_users/fe_groups).
	Mode string `yaml:"mode" env:"OAUTH2_LOGIN_MODE" env-default:"backend"`
	// OverrideUser refreshes admin, enable and mapped fields on every login.
	// When false only the oauth identifier link is refreshed.
	OverrideUser bool `yaml:"override_user" env:"OAUTH2_OVERRIDE_USER" env-default:"false"`
	// UnavailablePolicy decides what happens when the provider refuses to
	// show the project: grant-zero logs the user in without privileges,
	// deny refuses the login.
	UnavailablePolicy string        `yaml:"unavailable_policy" env:"OAUTH2_UNAVAILABLE_POLICY" env-default:"grant-zero"`
	StateTTL          time.Duration `yaml:"state_ttl" env:"OAUTH2_STATE_TTL" env-default:"10m"`
	HTTPTimeout       time.Duration `yaml:"http_timeout" env:"OAUTH2_HTTP_TIMEOUT" env-default:"10s"`
	// GroupConcurrency bounds parallel group lookups against the provider.
	GroupConcurrency int `yaml:"group_concurrency" env:"OAUTH2_GROUP_CONCURRENCY" env-default:"4"`

	// RateLimitBurst and RateLimitPerMinute throttle the login endpoint per
	// client IP. A zero burst disables throttling.
	RateLimitBurst     int     `yaml:"rate_limit_burst" env:"OAUTH2_RATE_LIMIT_BURST" env-default:"20"`
	RateLimitPerMinute float64 `yaml:"rate_limit_per_minute" env:"OAUTH2_RATE_LIMIT_PER_MINUTE" env-default:"30"`
	// TrustProxyHeaders keys the limit on X-Forwarded-For / X-Real-IP.
	// Only set it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" env:"OAUTH2_TRUST_PROXY_HEADERS" env-default:"false"`

	CookieSameSite string        `yaml:"cookie_same_site" env:"OAUTH2_COOKIE_SAME_SITE" env-default:"lax"`
	CookieSecure   bool          `yaml:"cookie_secure" env:"OAUTH2_COOKIE_SECURE" env-default:"true"`
	SessionCookie  string        `yaml:"session_cookie" env:"OAUTH2_SESSION_COOKIE" env-default:"oauth2_session"`
	SessionTTL     time.Duration `yaml:"session_ttl" env:"OAUTH2_SESSION_TTL" env-default:"30m"`
}

// SameSite converts CookieSameSite into the net/http mode.
func (c LoginConfig) SameSite() http.SameSite {
	switch c.CookieSameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// NonceConfig holds the key that signs anti-forgery state tokens.
type NonceConfig struct {
	Secret string `yaml:"secret" env:"OAUTH2_NONCE_SECRET"`
}

// JWTConfig configures the local session token issued after login.
type JWTConfig struct {
	Secret     string        `yaml:"secret" env:"OAUTH2_JWT_SECRET"`
	TTL        time.Duration `yaml:"ttl" env:"OAUTH2_JWT_TTL" env-default:"1h"`
	CookieName string        `yaml:"cookie_name" env:"OAUTH2_JWT_COOKIE" env-default:"jwt"`
}

// Config is the complete broker configuration.
type Config struct {
	Login           LoginConfig            `yaml:"login"`
	Nonce           NonceConfig            `yaml:"nonce"`
	JWT             JWTConfig              `yaml:"jwt"`
	Database        DatabaseConfig         `yaml:"database"`
	ResourceServers []ResourceServerConfig `yaml:"resource_servers"`
}

// Load reads the configuration from path (YAML) with environment overrides,
// or from the environment alone when path is empty. With no resource servers
// in the file, a single GitLab provider is taken from GITLAB_* variables.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	if len(cfg.ResourceServers) == 0 {
		if rs := NewResourceServerConfigFromEnv(); rs.Enabled {
			cfg.ResourceServers = append(cfg.ResourceServers, rs)
		}
	}
	for i := range cfg.ResourceServers {
		cfg.ResourceServers[i].normalize()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs ValidationErrors
	errs.add(RequireOneOf("login.mode", c.Login.Mode, "backend", "frontend"))
	errs.add(RequireOneOf("login.unavailable_policy", c.Login.UnavailablePolicy, "grant-zero", "deny"))
	errs.add(RequireOneOf("login.cookie_same_site", c.Login.CookieSameSite, "lax", "strict", "none"))
	errs.add(RequirePositiveDuration("login.state_ttl", c.Login.StateTTL))
	errs.add(RequirePositiveDuration("login.http_timeout", c.Login.HTTPTimeout))
	errs.add(RequireInRange("login.group_concurrency", c.Login.GroupConcurrency, 1, 64))
	errs.add(RequireInRange("login.rate_limit_burst", c.Login.RateLimitBurst, 0, 10000))
	if c.Login.RateLimitBurst > 0 && c.Login.RateLimitPerMinute <= 0 {
		errs = append(errs, ValidationError{Field: "login.rate_limit_per_minute", Message: "must be positive when rate limiting is enabled"})
	}
	errs.add(RequireNonEmpty("nonce.secret", c.Nonce.Secret))
	errs.add(RequireNonEmpty("jwt.secret", c.JWT.Secret))

	seen := make(map[string]bool, len(c.ResourceServers))
	for _, rs := range c.ResourceServers {
		if seen[rs.Identifier] {
			errs = append(errs, ValidationError{
				Field:   "resource_servers." + rs.Identifier,
				Message: "duplicate identifier",
			})
		}
		seen[rs.Identifier] = true
		errs = append(errs, rs.Validate()...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
