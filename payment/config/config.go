package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"paygate/utils"
)

// BSC-pegged USDT, https://bscscan.com/token/0x55d398326f99059fF775485246999027B3197955
const DefaultUSDTContract = "0x55d398326f99059fF775485246999027B3197955"

type HTTP struct {
	Host string
	Port string
}

type Database struct {
	Driver string // mysql, sqlite or memory
	DSN    string
}

type Chain struct {
	Endpoint      string
	ChainID       int64
	TokenContract string
	TokenDecimals int32
	RPCTimeout    time.Duration
	RateLimit     float64 // requests per second, 0 disables throttling
	RateBurst     int
}

type Sweep struct {
	CollectAddress     string
	GasAddress         string
	GasPrivateKey      string
	ConfirmTimeout     time.Duration
	PropagationTimeout time.Duration
}

type Reconcile struct {
	PollInterval   time.Duration
	OrderTTL       time.Duration
	LookbackWindow time.Duration
	Concurrency    int
}

type Security struct {
	KeyEncryptionSecret string
	AdminJWTSecret      string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Log struct {
	Level    string
	Encoding string
}

type Config struct {
	HTTP      HTTP
	Database  Database
	Chain     Chain
	Sweep     Sweep
	Reconcile Reconcile
	Security  Security
	Redis     Redis
	Log       Log
	RatesTTL  time.Duration
}

var loadEnvOnce sync.Once

// New reads the configuration from the environment (and a .env file when present).
func New() (Config, error) {
	loadEnvOnce.Do(utils.LoadEnv)

	ttl := utils.GetEnvAsDuration("ORDER_TTL", 2*time.Hour)
	cfg := Config{
		HTTP: HTTP{
			Host: utils.GetEnv("PAYMENT_HOST", "0.0.0.0"),
			Port: utils.GetEnv("PAYMENT_PORT", "80"),
		},
		Database: Database{
			Driver: strings.ToLower(utils.GetEnv("DB_DRIVER", "mysql")),
			DSN:    utils.GetEnv("DB", ""),
		},
		Chain: Chain{
			Endpoint:      utils.GetEnv("BSC_ENDPOINT", "https://bsc-dataseed.bnbchain.org"),
			ChainID:       utils.GetEnvAsInt64("BSC_CHAIN_ID", 56),
			TokenContract: utils.GetEnv("USDT_CONTRACT", DefaultUSDTContract),
			TokenDecimals: int32(utils.GetEnvAsInt("USDT_DECIMALS", 18)),
			RPCTimeout:    utils.GetEnvAsDuration("RPC_TIMEOUT", 15*time.Second),
			RateLimit:     utils.GetEnvAsFloat("RPC_RATE_LIMIT", 10),
			RateBurst:     utils.GetEnvAsInt("RPC_RATE_BURST", 20),
		},
		Sweep: Sweep{
			CollectAddress:     utils.GetEnv("BSC_COLLECT_ADDRESS", ""),
			GasAddress:         utils.GetEnv("BSC_GAS_ADDRESS", ""),
			GasPrivateKey:      utils.GetEnv("BSC_GAS_ADDRESS_PRIVATE_KEY", ""),
			ConfirmTimeout:     utils.GetEnvAsDuration("CONFIRM_TIMEOUT", 2*time.Minute),
			PropagationTimeout: utils.GetEnvAsDuration("PROPAGATION_TIMEOUT", 30*time.Second),
		},
		Reconcile: Reconcile{
			PollInterval:   utils.GetEnvAsDuration("POLL_INTERVAL", 30*time.Second),
			OrderTTL:       ttl,
			LookbackWindow: utils.GetEnvAsDuration("LOOKBACK_WINDOW", 2*ttl),
			Concurrency:    utils.GetEnvAsInt("RECONCILE_CONCURRENCY", 4),
		},
		Security: Security{
			KeyEncryptionSecret: utils.GetEnv("KEY_ENCRYPTION_SECRET", ""),
			AdminJWTSecret:      utils.GetEnv("ADMIN_JWT_SECRET", ""),
		},
		Redis: Redis{
			Addr:     utils.GetEnv("REDIS_ADDR", ""),
			Password: utils.GetEnv("REDIS_PASSWORD", ""),
			DB:       utils.GetEnvAsInt("REDIS_DB", 0),
		},
		Log: Log{
			Level:    utils.GetEnv("LOG_LEVEL", "info"),
			Encoding: utils.GetEnv("LOG_ENCODING", "json"),
		},
		RatesTTL: utils.GetEnvAsDuration("RATES_TTL", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("missing DB for driver %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.Database.Driver)
	}

	if c.Chain.Endpoint == "" {
		return fmt.Errorf("missing BSC_ENDPOINT")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("invalid BSC_CHAIN_ID: %d", c.Chain.ChainID)
	}
	if !common.IsHexAddress(c.Chain.TokenContract) {
		return fmt.Errorf("invalid USDT_CONTRACT: %q", c.Chain.TokenContract)
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("invalid USDT_DECIMALS: %d", c.Chain.TokenDecimals)
	}
	if c.Chain.RateLimit > 0 && c.Chain.RateBurst <= 0 {
		c.Chain.RateBurst = 1
	}

	if c.Sweep.CollectAddress != "" && !common.IsHexAddress(c.Sweep.CollectAddress) {
		return fmt.Errorf("invalid BSC_COLLECT_ADDRESS: %q", c.Sweep.CollectAddress)
	}
	if (c.Sweep.GasAddress == "") != (c.Sweep.GasPrivateKey == "") {
		return fmt.Errorf("BSC_GAS_ADDRESS and BSC_GAS_ADDRESS_PRIVATE_KEY must be set together")
	}
	if c.Sweep.GasAddress != "" {
		if !common.IsHexAddress(c.Sweep.GasAddress) {
			return fmt.Errorf("invalid BSC_GAS_ADDRESS: %q", c.Sweep.GasAddress)
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Sweep.GasPrivateKey, "0x"))
		if err != nil {
			return fmt.Errorf("invalid BSC_GAS_ADDRESS_PRIVATE_KEY: %w", err)
		}
		if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(c.Sweep.GasAddress) {
			return fmt.Errorf("BSC_GAS_ADDRESS_PRIVATE_KEY does not control BSC_GAS_ADDRESS")
		}
	}
	if c.Sweep.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	if c.Sweep.PropagationTimeout <= 0 {
		return fmt.Errorf("PROPAGATION_TIMEOUT must be positive")
	}

	if c.Reconcile.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Reconcile.OrderTTL <= 0 {
		return fmt.Errorf("ORDER_TTL must be positive")
	}
	// orders leave the window at create_time+window; they must be overdue well before that
	if c.Reconcile.LookbackWindow < c.Reconcile.OrderTTL+c.Reconcile.PollInterval {
		return fmt.Errorf("LOOKBACK_WINDOW (%s) must cover ORDER_TTL (%s) plus one POLL_INTERVAL (%s)",
			c.Reconcile.LookbackWindow, c.Reconcile.OrderTTL, c.Reconcile.PollInterval)
	}
	if c.Reconcile.Concurrency <= 0 {
		c.Reconcile.Concurrency = 1
	}
	if c.RatesTTL <= 0 {
		c.RatesTTL = 5 * time.Minute
	}
	return nil
}

// CollectionEnabled reports whether paid orders should be swept.
func (c Config) CollectionEnabled() bool {
	return c.Sweep.CollectAddress != ""
}

// FundingEnabled reports whether a gas funding account is configured.
func (c Config) FundingEnabled() bool {
	return c.Sweep.GasAddress != ""
}
