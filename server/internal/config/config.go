package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Store   StoreConfig   `yaml:"store"`
	Sync    SyncConfig    `yaml:"sync"`
	CORS    CORSConfig    `yaml:"cors"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LedgerConfig 账本节点与合约配置
type LedgerConfig struct {
	// RPCURL 必须是 ws:// 或 wss://，实时推送依赖订阅。
	RPCURL                   string        `yaml:"rpc_url"`
	ContractAddress          string        `yaml:"contract_address"`
	GasLimit                 uint64        `yaml:"gas_limit"`
	ConfirmationPollInterval time.Duration `yaml:"confirmation_poll_interval"`
	// ConfirmationTimeout 为 0 表示不设硬超时。
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	// SubscriptionBuffer 是日志推送的缓冲条数。
	SubscriptionBuffer int `yaml:"subscription_buffer"`
}

// WalletConfig 签名代理配置；RPCURL 为空表示没有签名代理。
type WalletConfig struct {
	RPCURL      string        `yaml:"rpc_url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type StoreConfig struct {
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	FailureHistory int           `yaml:"failure_history"`
	ClockSkew      time.Duration `yaml:"clock_skew"`
}

type SyncConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ResyncBackoff time.Duration `yaml:"resync_backoff"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default 返回本地开发用的默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Ledger: LedgerConfig{
			RPCURL:                   "ws://127.0.0.1:8545",
			GasLimit:                 300000,
			ConfirmationPollInterval: 2 * time.Second,
			ConfirmationTimeout:      5 * time.Minute,
			DialTimeout:              10 * time.Second,
			SubscriptionBuffer:       128,
		},
		Wallet: WalletConfig{
			DialTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			PendingTimeout: 10 * time.Minute,
			FailureHistory: 20,
			ClockSkew:      2 * time.Minute,
		},
		Sync: SyncConfig{
			SweepInterval: 15 * time.Second,
			ResyncBackoff: 3 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 从文件加载配置，文件里没写的字段保留默认值。path 为空时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// 从环境变量覆盖部署相关的地址
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WAVESYNC_LEDGER_URL"); v != "" {
		c.Ledger.RPCURL = v
	}
	if v := os.Getenv("WAVESYNC_WALLET_URL"); v != "" {
		c.Wallet.RPCURL = v
	}
	if v := os.Getenv("WAVESYNC_CONTRACT_ADDRESS"); v != "" {
		c.Ledger.ContractAddress = v
	}
	if v := os.Getenv("WAVESYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WAVESYNC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse WAVESYNC_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if err := validateWebsocketURL(c.Ledger.RPCURL); err != nil {
		return fmt.Errorf("ledger rpc_url: %w", err)
	}
	if c.Ledger.ContractAddress == "" {
		return errors.New("ledger contract address is required (set WAVESYNC_CONTRACT_ADDRESS env var or config)")
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		return fmt.Errorf("ledger contract address %q is not a hex address", c.Ledger.ContractAddress)
	}
	if c.Wallet.RPCURL != "" {
		if err := validateWebsocketURL(c.Wallet.RPCURL); err != nil {
			return fmt.Errorf("wallet rpc_url: %w", err)
		}
	}
	if c.Ledger.ConfirmationPollInterval <= 0 {
		return errors.New("ledger confirmation_poll_interval must be positive")
	}
	if c.Ledger.ConfirmationTimeout < 0 {
		return errors.New("ledger confirmation_timeout must not be negative")
	}
	if c.Ledger.DialTimeout <= 0 || c.Wallet.DialTimeout <= 0 {
		return errors.New("dial_timeout must be positive")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format %q must be json or console", c.Logging.Format)
	}
	return nil
}

// Addr 返回 HTTP 监听地址。
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Contract 返回解析后的合约地址，调用前应已通过 Validate。
func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.Ledger.ContractAddress)
}

func validateWebsocketURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q must be ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
