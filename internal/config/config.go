package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Provider struct {
	BaseURL            string `yaml:"base_url"` // override for tests, defaults per adapter
	APIKeyEnv          string `yaml:"api_key_env"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
}

type KIS struct {
	BaseURL        string `yaml:"base_url"`
	AppKeyEnv      string `yaml:"app_key_env"`
	AppSecretEnv   string `yaml:"app_secret_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Providers struct {
	Yahoo        Provider `yaml:"yahoo"`
	TwelveData   Provider `yaml:"twelvedata"`
	AlphaVantage Provider `yaml:"alphavantage"`
	Stooq        Provider `yaml:"stooq"`
	DataGo       Provider `yaml:"datago"`
	KIS          KIS      `yaml:"kis"`
}

type Fallback struct {
	InterCallDelayMs int  `yaml:"inter_call_delay_ms"`
	DualCallDelayMs  int  `yaml:"dual_call_delay_ms"`
	DualTimeoutSecs  int  `yaml:"dual_timeout_seconds"`
	EnableDualSource bool `yaml:"enable_dual_source"`
	QuoteTTLMinutes  int  `yaml:"quote_ttl_minutes"`
	FxTTLMinutes     int  `yaml:"fx_ttl_minutes"`
	NewsTTLMinutes   int  `yaml:"news_ttl_minutes"`
	HistoryDays      int  `yaml:"history_days"`
}

type Token struct {
	CachePath string `yaml:"cache_path"`
	MongoDB   string `yaml:"mongo_db"`
}

type Refresher struct {
	Schedule  string   `yaml:"schedule"`
	Watchlist []string `yaml:"watchlist"`
}

type Root struct {
	Providers Providers `yaml:"providers"`
	Fallback  Fallback  `yaml:"fallback"`
	Token     Token     `yaml:"token"`
	Refresher Refresher `yaml:"refresher"`

	// Resolved from the environment, not the yaml file.
	DataSourceOverride string `yaml:"-"`
	MongoURI           string `yaml:"-"`
}

// Load reads the yaml file, applies defaults, then overlays environment
// variables. A `.env` file next to the process is honored when present.
func Load(path string) (Root, error) {
	_ = godotenv.Load()

	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}

	applyDefaults(&c)
	applyEnv(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Providers.Yahoo.TimeoutSeconds == 0 {
		c.Providers.Yahoo.TimeoutSeconds = 10
	}
	if c.Providers.TwelveData.APIKeyEnv == "" {
		c.Providers.TwelveData.APIKeyEnv = "TWELVE_DATA_API_KEY"
	}
	if c.Providers.TwelveData.TimeoutSeconds == 0 {
		c.Providers.TwelveData.TimeoutSeconds = 10
	}
	if c.Providers.TwelveData.RateLimitPerMinute == 0 {
		c.Providers.TwelveData.RateLimitPerMinute = 8
	}
	if c.Providers.AlphaVantage.APIKeyEnv == "" {
		c.Providers.AlphaVantage.APIKeyEnv = "ALPHA_VANTAGE_API_KEY"
	}
	if c.Providers.AlphaVantage.TimeoutSeconds == 0 {
		c.Providers.AlphaVantage.TimeoutSeconds = 10
	}
	if c.Providers.AlphaVantage.RateLimitPerMinute == 0 {
		c.Providers.AlphaVantage.RateLimitPerMinute = 5
	}
	if c.Providers.Stooq.TimeoutSeconds == 0 {
		c.Providers.Stooq.TimeoutSeconds = 10
	}
	if c.Providers.DataGo.APIKeyEnv == "" {
		c.Providers.DataGo.APIKeyEnv = "DATA_GO_KR_SERVICE_KEY"
	}
	if c.Providers.DataGo.TimeoutSeconds == 0 {
		c.Providers.DataGo.TimeoutSeconds = 15
	}
	if c.Providers.KIS.AppKeyEnv == "" {
		c.Providers.KIS.AppKeyEnv = "KIS_APP_KEY"
	}
	if c.Providers.KIS.AppSecretEnv == "" {
		c.Providers.KIS.AppSecretEnv = "KIS_APP_SECRET"
	}
	if c.Providers.KIS.TimeoutSeconds == 0 {
		c.Providers.KIS.TimeoutSeconds = 10
	}

	if c.Fallback.InterCallDelayMs == 0 {
		c.Fallback.InterCallDelayMs = 300
	}
	if c.Fallback.DualCallDelayMs == 0 {
		c.Fallback.DualCallDelayMs = 800
	}
	if c.Fallback.DualTimeoutSecs == 0 {
		c.Fallback.DualTimeoutSecs = 30
	}
	if c.Fallback.QuoteTTLMinutes == 0 {
		c.Fallback.QuoteTTLMinutes = 10
	}
	if c.Fallback.FxTTLMinutes == 0 {
		c.Fallback.FxTTLMinutes = 60
	}
	if c.Fallback.NewsTTLMinutes == 0 {
		c.Fallback.NewsTTLMinutes = 15
	}
	if c.Fallback.HistoryDays == 0 {
		c.Fallback.HistoryDays = 120
	}

	if c.Token.CachePath == "" {
		c.Token.CachePath = "data/kis_token.json"
	}
	if c.Token.MongoDB == "" {
		c.Token.MongoDB = "stock_insight"
	}

	if c.Refresher.Schedule == "" {
		c.Refresher.Schedule = "*/10 * * * *"
	}
}

func applyEnv(c *Root) {
	if v := os.Getenv("DATA_SOURCE"); v != "" {
		c.DataSourceOverride = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("ENABLE_DUAL_SOURCE"); v != "" {
		c.Fallback.EnableDualSource = v == "true" || v == "1"
	}
	if v := os.Getenv("TOKEN_CACHE_PATH"); v != "" {
		c.Token.CachePath = v
	}
	c.MongoURI = os.Getenv("MONGODB_URI")
}

// APIKey resolves a provider's key from its configured env var.
func (p Provider) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}
