package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingOption = errors.New("missing required config option")
	ErrInvalidOption = errors.New("invalid config option")
)

type RPCConfig struct {
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChainConfig struct {
	RPC          *RPCConfig    `yaml:"rpc"`
	ChainID      string        `yaml:"chain_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type KeystoreConfig struct {
	Dir     string `yaml:"dir"`
	Workers int    `yaml:"workers"`
}

type DBConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type PresenterConfig struct {
	Host string `yaml:"host"`
}

type GasPriceOracleConfig struct {
	URL     string        `yaml:"url"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type RelayConfig struct {
	URL                 string         `yaml:"url"`
	RelayHubAddress     common.Address `yaml:"relay_hub_address"`
	OwnerAddress        common.Address `yaml:"owner_address"`
	DomainSeparatorName string         `yaml:"domain_separator_name"`

	WorkerMinBalance         *math.HexOrDecimal256 `yaml:"worker_min_balance"`
	WorkerTargetBalance      *math.HexOrDecimal256 `yaml:"worker_target_balance"`
	ManagerMinBalance        *math.HexOrDecimal256 `yaml:"manager_min_balance"`
	ManagerTargetBalance     *math.HexOrDecimal256 `yaml:"manager_target_balance"`
	ManagerMinStake          *math.HexOrDecimal256 `yaml:"manager_min_stake"`
	MinHubWithdrawalBalance  *math.HexOrDecimal256 `yaml:"min_hub_withdrawal_balance"`
	WithdrawToOwnerOnBalance *math.HexOrDecimal256 `yaml:"withdraw_to_owner_on_balance"`

	RefreshStateTimeoutBlocks             uint          `yaml:"refresh_state_timeout_blocks"`
	PendingTransactionTimeoutBlocks       uint          `yaml:"pending_transaction_timeout_blocks"`
	ConfirmationsNeeded                   uint          `yaml:"confirmations_needed"`
	RecentActionAvoidRepeatDistanceBlocks uint          `yaml:"recent_action_avoid_repeat_distance_blocks"`
	RetryGasPriceFactor                   float64       `yaml:"retry_gas_price_factor"`
	DefaultGasLimit                       uint64        `yaml:"default_gas_limit"`
	ArchiveAfterBlocks                    uint          `yaml:"archive_after_blocks"`
	ArchiveAfter                          time.Duration `yaml:"archive_after"`

	MaxGasPrice          *math.HexOrDecimal256 `yaml:"max_gas_price"`
	GasPriceFactor       float64               `yaml:"gas_price_factor"`
	GasPriceOracle       *GasPriceOracleConfig `yaml:"gas_price_oracle"`
	BaseFeeBlocks        uint64                `yaml:"base_fee_blocks"`
	BaseFeePercentile    float64               `yaml:"base_fee_percentile"`
	DefaultPriorityFee   *math.HexOrDecimal256 `yaml:"default_priority_fee"`
	MaxMaxFeePerGas      *math.HexOrDecimal256 `yaml:"max_max_fee_per_gas"`
	BlockGasLimitPercent uint64                `yaml:"block_gas_limit_percent"`

	MaxAcceptanceBudget     uint64        `yaml:"max_acceptance_budget"`
	RequestMinValidDuration time.Duration `yaml:"request_min_valid_duration"`

	AlertedDelay    time.Duration `yaml:"alerted_delay"`
	MinAlertedDelay time.Duration `yaml:"min_alerted_delay"`
	MaxAlertedDelay time.Duration `yaml:"max_alerted_delay"`

	TrustedPaymasters     []common.Address `yaml:"trusted_paymasters"`
	BlacklistedPaymasters []common.Address `yaml:"blacklisted_paymasters"`
	BlacklistedRecipients []common.Address `yaml:"blacklisted_recipients"`
	WhitelistedPaymasters []common.Address `yaml:"whitelisted_paymasters"`
	WhitelistedRecipients []common.Address `yaml:"whitelisted_recipients"`

	RunPaymasterReputations bool `yaml:"run_paymaster_reputations"`
}

type Config struct {
	Chain     *ChainConfig     `yaml:"chain"`
	Relay     *RelayConfig     `yaml:"relay"`
	Keystore  *KeystoreConfig  `yaml:"keystore"`
	DBConfig  *DBConfig        `yaml:"postgres"`
	LogLevel  logrus.Level     `yaml:"log_level"`
	Presenter *PresenterConfig `yaml:"presenter"`
}

func ReadConfigFromFile(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}
	return ReadConfigWithEnv(blob)
}

func ReadConfigWithEnv(blob []byte) (*Config, error) {
	return ReadConfig(expandEnv(blob))
}

func ReadConfig(blob []byte) (*Config, error) {
	cfg := new(Config)
	if err := parseYaml(cfg, blob); err != nil {
		return nil, err
	}
	if err := cfg.init(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) init() error {
	if cfg.Chain == nil || cfg.Chain.RPC == nil || cfg.Chain.RPC.Host == "" {
		return fmt.Errorf("chain.rpc.host: %w", ErrMissingOption)
	}
	if cfg.Chain.ChainID == "" {
		return fmt.Errorf("chain.chain_id: %w", ErrMissingOption)
	}
	if cfg.Chain.RPC.Timeout == 0 {
		cfg.Chain.RPC.Timeout = 30 * time.Second
	}
	if cfg.Chain.PollInterval == 0 {
		cfg.Chain.PollInterval = 5 * time.Second
	}
	if cfg.Keystore == nil {
		cfg.Keystore = new(KeystoreConfig)
	}
	if cfg.Keystore.Dir == "" {
		cfg.Keystore.Dir = "keystore"
	}
	if cfg.Keystore.Workers == 0 {
		cfg.Keystore.Workers = 1
	}
	if cfg.DBConfig != nil && cfg.DBConfig.SSLMode == "" {
		cfg.DBConfig.SSLMode = "disable"
	}
	if cfg.Relay == nil {
		return fmt.Errorf("relay: %w", ErrMissingOption)
	}
	return cfg.Relay.init()
}

func (cfg *RelayConfig) init() error {
	if cfg.URL == "" {
		return fmt.Errorf("relay.url: %w", ErrMissingOption)
	}
	if cfg.RelayHubAddress == (common.Address{}) {
		return fmt.Errorf("relay.relay_hub_address: %w", ErrMissingOption)
	}
	if cfg.OwnerAddress == (common.Address{}) {
		return fmt.Errorf("relay.owner_address: %w", ErrMissingOption)
	}
	if cfg.DomainSeparatorName == "" {
		cfg.DomainSeparatorName = "GSN Relayed Transaction"
	}

	setDefaultWei(&cfg.WorkerMinBalance, "100000000000000000")
	setDefaultWei(&cfg.WorkerTargetBalance, "300000000000000000")
	setDefaultWei(&cfg.ManagerMinBalance, "100000000000000000")
	setDefaultWei(&cfg.ManagerTargetBalance, "300000000000000000")
	setDefaultWei(&cfg.ManagerMinStake, "1")
	setDefaultWei(&cfg.MinHubWithdrawalBalance, "100000000000000000")
	setDefaultWei(&cfg.MaxGasPrice, "500000000000")
	setDefaultWei(&cfg.DefaultPriorityFee, "1000000000")
	setDefaultWei(&cfg.MaxMaxFeePerGas, "500000000000")

	setDefaultUint(&cfg.RefreshStateTimeoutBlocks, 5)
	setDefaultUint(&cfg.PendingTransactionTimeoutBlocks, 30)
	setDefaultUint(&cfg.ConfirmationsNeeded, 12)
	setDefaultUint(&cfg.RecentActionAvoidRepeatDistanceBlocks, 10)
	setDefaultUint(&cfg.ArchiveAfterBlocks, 5000)
	if cfg.ArchiveAfter == 0 {
		cfg.ArchiveAfter = 24 * time.Hour
	}
	if cfg.RetryGasPriceFactor == 0 {
		cfg.RetryGasPriceFactor = 1.2
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 500000
	}
	if cfg.GasPriceFactor == 0 {
		cfg.GasPriceFactor = 1
	}
	if cfg.BaseFeeBlocks == 0 {
		cfg.BaseFeeBlocks = 5
	}
	if cfg.BaseFeePercentile == 0 {
		cfg.BaseFeePercentile = 50
	}
	if cfg.BlockGasLimitPercent == 0 {
		cfg.BlockGasLimitPercent = 75
	}
	if cfg.MaxAcceptanceBudget == 0 {
		cfg.MaxAcceptanceBudget = 285252
	}
	if cfg.RequestMinValidDuration == 0 {
		cfg.RequestMinValidDuration = 12 * time.Hour
	}
	if cfg.AlertedDelay == 0 {
		cfg.AlertedDelay = 120 * time.Second
	}
	if cfg.MinAlertedDelay == 0 {
		cfg.MinAlertedDelay = time.Second
	}
	if cfg.MaxAlertedDelay == 0 {
		cfg.MaxAlertedDelay = 10 * time.Second
	}
	if cfg.GasPriceOracle != nil && cfg.GasPriceOracle.Timeout == 0 {
		cfg.GasPriceOracle.Timeout = 5 * time.Second
	}

	if cfg.RetryGasPriceFactor < 1 {
		return fmt.Errorf("relay.retry_gas_price_factor must be at least 1: %w", ErrInvalidOption)
	}
	if cfg.MinAlertedDelay > cfg.MaxAlertedDelay {
		return fmt.Errorf("relay.min_alerted_delay is greater than relay.max_alerted_delay: %w", ErrInvalidOption)
	}
	if cfg.BlockGasLimitPercent > 100 {
		return fmt.Errorf("relay.block_gas_limit_percent must not exceed 100: %w", ErrInvalidOption)
	}
	return nil
}

// IsTrustedPaymaster reports whether the paymaster may declare an acceptance budget above the relay maximum.
func (cfg *RelayConfig) IsTrustedPaymaster(paymaster common.Address) bool {
	return containsAddress(cfg.TrustedPaymasters, paymaster)
}

func (cfg *RelayConfig) IsBlacklistedPaymaster(paymaster common.Address) bool {
	return containsAddress(cfg.BlacklistedPaymasters, paymaster)
}

func (cfg *RelayConfig) IsBlacklistedRecipient(recipient common.Address) bool {
	return containsAddress(cfg.BlacklistedRecipients, recipient)
}

// IsWhitelistedPaymaster is true for any paymaster when no whitelist is configured.
func (cfg *RelayConfig) IsWhitelistedPaymaster(paymaster common.Address) bool {
	return len(cfg.WhitelistedPaymasters) == 0 || containsAddress(cfg.WhitelistedPaymasters, paymaster)
}

func (cfg *RelayConfig) IsWhitelistedRecipient(recipient common.Address) bool {
	return len(cfg.WhitelistedRecipients) == 0 || containsAddress(cfg.WhitelistedRecipients, recipient)
}

func Wei(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(v))
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func setDefaultWei(v **math.HexOrDecimal256, dec string) {
	if *v != nil {
		return
	}
	n, _ := new(big.Int).SetString(dec, 10)
	*v = (*math.HexOrDecimal256)(n)
}

func setDefaultUint(v *uint, def uint) {
	if *v == 0 {
		*v = def
	}
}
