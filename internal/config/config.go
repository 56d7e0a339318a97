package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeLive  = "live"
	ModePaper = "paper"

	StateDriverSQLite   = "sqlite"
	StateDriverPostgres = "postgres"
)

type Config struct {
	Mode      string          `yaml:"mode"`
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Redis     RedisConfig     `yaml:"redis"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Paper     PaperConfig     `yaml:"paper"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ExchangeConfig struct {
	BaseURL                string        `yaml:"base_url"`
	WSURL                  string        `yaml:"ws_url"`
	WSEnabled              *bool         `yaml:"ws_enabled"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	ReconnectDelay         time.Duration `yaml:"reconnect_delay"`
	Timeout                time.Duration `yaml:"timeout"`
	Sandbox                bool          `yaml:"sandbox"`
	APIKey                 string        `yaml:"api_key"`
	APISecret              string        `yaml:"api_secret"`
	Passphrase             string        `yaml:"passphrase"`
	RateLimitPerSecond     float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst         int           `yaml:"rate_limit_burst"`
	QuoteCurrency          string        `yaml:"quote_currency"`
	OrderBookDepth         int           `yaml:"order_book_depth"`
	FundingIntervalsPerDay int           `yaml:"funding_intervals_per_day"`
	FundingCacheTTL        time.Duration `yaml:"funding_cache_ttl"`
}

func (e ExchangeConfig) WSEnabledValue() bool {
	if e.WSEnabled == nil {
		return true
	}
	return *e.WSEnabled
}

type StateConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type StrategyConfig struct {
	MinAnnualizedReturn        float64       `yaml:"min_annualized_return"`
	CapitalPerTradeRatio       float64       `yaml:"capital_per_trade_ratio"`
	MaxOpenPositions           int           `yaml:"max_open_positions"`
	ScanInterval               time.Duration `yaml:"scan_interval"`
	ManageInterval             time.Duration `yaml:"manage_interval"`
	EnableNegativeRateStrategy bool          `yaml:"enable_negative_rate_strategy"`
	EnableSpotEarning          *bool         `yaml:"enable_spot_earning"`
	Symbols                    []string      `yaml:"symbols"`
}

func (s StrategyConfig) SpotEarningEnabled() bool {
	if s.EnableSpotEarning == nil {
		return true
	}
	return *s.EnableSpotEarning
}

type RiskConfig struct {
	Leverage             float64 `yaml:"leverage"`
	MarginResetThreshold float64 `yaml:"margin_reset_threshold"`
	ProfitCloseThreshold float64 `yaml:"profit_close_threshold"`
	MaxAllowedSlippage   float64 `yaml:"max_allowed_slippage"`
}

type ExecutionConfig struct {
	FillTimeout         time.Duration `yaml:"fill_timeout"`
	FillPollInterval    time.Duration `yaml:"fill_poll_interval"`
	RedeemTimeout       time.Duration `yaml:"redeem_timeout"`
	RedeemPollInterval  time.Duration `yaml:"redeem_poll_interval"`
	MaxParallelCommands int           `yaml:"max_parallel_commands"`
	OrderAttempts       int           `yaml:"order_attempts"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

// PaperConfig seeds the simulated exchange used for dry runs.
type PaperConfig struct {
	Equity    float64            `yaml:"equity"`
	TakerFee  float64            `yaml:"taker_fee"`
	BorrowAPR float64            `yaml:"borrow_apr"`
	EarnRates map[string]float64 `yaml:"earn_rates"`
	Markets   []PaperMarket      `yaml:"markets"`
}

type PaperMarket struct {
	Symbol      string  `yaml:"symbol"`
	Price       float64 `yaml:"price"`
	FundingRate float64 `yaml:"funding_rate"`
	SpreadBps   float64 `yaml:"spread_bps"`
	LevelSize   float64 `yaml:"level_size"`
	Levels      int     `yaml:"levels"`
	MarginRatio float64 `yaml:"margin_ratio"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 10
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
	}
	applyExchangeDefaults(&cfg.Exchange)
	if cfg.State.Driver == "" {
		cfg.State.Driver = StateDriverSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/okx-carry-bot.db"
	}
	applyStrategyDefaults(&cfg.Strategy)
	if cfg.Risk.Leverage == 0 {
		cfg.Risk.Leverage = 3
	}
	if cfg.Risk.MarginResetThreshold == 0 {
		cfg.Risk.MarginResetThreshold = 0.2
	}
	if cfg.Risk.ProfitCloseThreshold == 0 {
		cfg.Risk.ProfitCloseThreshold = 0.05
	}
	if cfg.Risk.MaxAllowedSlippage == 0 {
		cfg.Risk.MaxAllowedSlippage = 0.01
	}
	applyExecutionDefaults(&cfg.Execution)
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = "okx-carry-bot:engine"
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	applyPaperDefaults(&cfg.Paper)
}

func applyExchangeDefaults(ex *ExchangeConfig) {
	if ex.BaseURL == "" {
		ex.BaseURL = "https://www.okx.com"
	}
	if ex.WSURL == "" {
		ex.WSURL = deriveWSURL(ex.BaseURL)
	}
	if ex.PingInterval == 0 {
		ex.PingInterval = 20 * time.Second
	}
	if ex.ReconnectDelay == 0 {
		ex.ReconnectDelay = 3 * time.Second
	}
	if ex.Timeout == 0 {
		ex.Timeout = 10 * time.Second
	}
	if ex.RateLimitPerSecond == 0 {
		ex.RateLimitPerSecond = 10
	}
	if ex.RateLimitBurst == 0 {
		ex.RateLimitBurst = 5
	}
	if ex.QuoteCurrency == "" {
		ex.QuoteCurrency = "USDT"
	}
	ex.QuoteCurrency = strings.ToUpper(ex.QuoteCurrency)
	if ex.OrderBookDepth == 0 {
		ex.OrderBookDepth = 20
	}
	if ex.FundingIntervalsPerDay == 0 {
		ex.FundingIntervalsPerDay = 3
	}
	if ex.FundingCacheTTL == 0 {
		ex.FundingCacheTTL = 2 * time.Minute
	}
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.MinAnnualizedReturn == 0 {
		s.MinAnnualizedReturn = 0.15
	}
	if s.CapitalPerTradeRatio == 0 {
		s.CapitalPerTradeRatio = 0.1
	}
	if s.MaxOpenPositions == 0 {
		s.MaxOpenPositions = 5
	}
	if s.ScanInterval == 0 {
		s.ScanInterval = 300 * time.Second
	}
	if s.ManageInterval == 0 {
		s.ManageInterval = 60 * time.Second
	}
	if s.EnableSpotEarning == nil {
		enabled := true
		s.EnableSpotEarning = &enabled
	}
	for i, symbol := range s.Symbols {
		s.Symbols[i] = strings.ToUpper(strings.TrimSpace(symbol))
	}
}

func applyExecutionDefaults(e *ExecutionConfig) {
	if e.FillTimeout == 0 {
		e.FillTimeout = 10 * time.Second
	}
	if e.FillPollInterval == 0 {
		e.FillPollInterval = 500 * time.Millisecond
	}
	if e.RedeemTimeout == 0 {
		e.RedeemTimeout = 60 * time.Second
	}
	if e.RedeemPollInterval == 0 {
		e.RedeemPollInterval = time.Second
	}
	if e.MaxParallelCommands == 0 {
		e.MaxParallelCommands = 4
	}
	if e.OrderAttempts == 0 {
		e.OrderAttempts = 5
	}
	if e.RetryBackoff == 0 {
		e.RetryBackoff = 200 * time.Millisecond
	}
}

func applyPaperDefaults(p *PaperConfig) {
	if p.Equity == 0 {
		p.Equity = 10000
	}
	if p.TakerFee == 0 {
		p.TakerFee = 0.0005
	}
	if p.EarnRates == nil {
		p.EarnRates = map[string]float64{"USDT": 0.05, "BTC": 0.01, "ETH": 0.015}
	}
	for i := range p.Markets {
		m := &p.Markets[i]
		m.Symbol = strings.ToUpper(strings.TrimSpace(m.Symbol))
		if m.SpreadBps == 0 {
			m.SpreadBps = 1
		}
		if m.Levels == 0 {
			m.Levels = 20
		}
		if m.MarginRatio == 0 {
			m.MarginRatio = 0.5
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Exchange.APIKey, "OKX_API_KEY")
	overrideString(&cfg.Exchange.APISecret, "OKX_API_SECRET")
	overrideString(&cfg.Exchange.Passphrase, "OKX_API_PASSPHRASE")
	overrideString(&cfg.Telegram.Token, "CARRY_TELEGRAM_TOKEN")
	overrideString(&cfg.Telegram.ChatID, "CARRY_TELEGRAM_CHAT_ID")
	overrideString(&cfg.State.PostgresDSN, "CARRY_POSTGRES_DSN")
	overrideString(&cfg.Timescale.DSN, "CARRY_TIMESCALE_DSN")
	overrideString(&cfg.Redis.Addr, "CARRY_REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "CARRY_REDIS_PASSWORD")
}

func overrideString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeLive, ModePaper:
	default:
		return fmt.Errorf("mode must be %q or %q", ModeLive, ModePaper)
	}
	if cfg.Mode == ModeLive {
		if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" || cfg.Exchange.Passphrase == "" {
			return errors.New("exchange api_key, api_secret and passphrase are required in live mode")
		}
	}
	if cfg.Exchange.OrderBookDepth < 1 {
		return errors.New("exchange.order_book_depth must be > 0")
	}
	if cfg.Exchange.FundingIntervalsPerDay < 1 {
		return errors.New("exchange.funding_intervals_per_day must be > 0")
	}
	if cfg.Exchange.RateLimitPerSecond < 0 || cfg.Exchange.RateLimitBurst < 0 {
		return errors.New("exchange rate limits must be >= 0")
	}
	if err := validateStrategy(cfg.Strategy); err != nil {
		return err
	}
	if err := validateRisk(cfg.Risk); err != nil {
		return err
	}
	if err := validateExecution(cfg.Execution); err != nil {
		return err
	}
	switch cfg.State.Driver {
	case StateDriverSQLite:
	case StateDriverPostgres:
		if cfg.State.PostgresDSN == "" {
			return errors.New("state.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown state.driver %q", cfg.State.Driver)
	}
	if cfg.Redis.Enabled && cfg.Redis.LockTTL < time.Second {
		return errors.New("redis.lock_ttl must be >= 1s")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Mode == ModePaper && len(cfg.Paper.Markets) == 0 {
		return errors.New("paper.markets is required in paper mode")
	}
	for _, m := range cfg.Paper.Markets {
		if m.Symbol == "" || m.Price <= 0 || m.LevelSize < 0 {
			return fmt.Errorf("paper market %q needs a symbol and a positive price", m.Symbol)
		}
	}
	return nil
}

func validateStrategy(s StrategyConfig) error {
	if s.MinAnnualizedReturn <= 0 {
		return errors.New("strategy.min_annualized_return must be > 0")
	}
	if s.CapitalPerTradeRatio <= 0 || s.CapitalPerTradeRatio > 1 {
		return errors.New("strategy.capital_per_trade_ratio must be in (0, 1]")
	}
	if s.MaxOpenPositions < 1 {
		return errors.New("strategy.max_open_positions must be > 0")
	}
	if s.ScanInterval <= 0 || s.ManageInterval <= 0 {
		return errors.New("strategy scan and manage intervals must be > 0")
	}
	for _, symbol := range s.Symbols {
		if !strings.Contains(symbol, "/") {
			return fmt.Errorf("strategy.symbols entry %q must look like BASE/QUOTE", symbol)
		}
	}
	return nil
}

func validateRisk(r RiskConfig) error {
	if r.Leverage < 1 {
		return errors.New("risk.leverage must be >= 1")
	}
	if r.MarginResetThreshold < 0 {
		return errors.New("risk.margin_reset_threshold must be >= 0")
	}
	if r.MaxAllowedSlippage <= 0 || r.MaxAllowedSlippage >= 1 {
		return errors.New("risk.max_allowed_slippage must be in (0, 1)")
	}
	return nil
}

func validateExecution(e ExecutionConfig) error {
	if e.FillTimeout <= 0 || e.FillPollInterval <= 0 {
		return errors.New("execution fill timeout and poll interval must be > 0")
	}
	if e.RedeemTimeout <= 0 || e.RedeemPollInterval <= 0 {
		return errors.New("execution redeem timeout and poll interval must be > 0")
	}
	if e.RedeemPollInterval > e.RedeemTimeout {
		return errors.New("execution.redeem_poll_interval must not exceed redeem_timeout")
	}
	if e.MaxParallelCommands < 1 {
		return errors.New("execution.max_parallel_commands must be > 0")
	}
	if e.OrderAttempts < 1 {
		return errors.New("execution.order_attempts must be > 0")
	}
	return nil
}

func deriveWSURL(baseURL string) string {
	host := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(host, "https://"):
		host = "wss://ws." + strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "www.")
	case strings.HasPrefix(host, "http://"):
		host = "ws://ws." + strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "www.")
	default:
		return "wss://ws.okx.com:8443/ws/v5/public"
	}
	return host + ":8443/ws/v5/public"
}
