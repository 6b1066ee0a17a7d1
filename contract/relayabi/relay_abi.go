package relayabi

//nolint:golint
import (
	_ "embed"

	"github.com/omni/relay-server/contract/abi"
)

//go:embed relay_hub.json
var relayHubJSONABI string

//go:embed stake_manager.json
var stakeManagerJSONABI string

//go:embed relay_registrar.json
var relayRegistrarJSONABI string

//go:embed paymaster.json
var paymasterJSONABI string

const (
	RelayWorkersAdded              = "event RelayWorkersAdded(address indexed relayManager, address[] newRelayWorkers, uint256 workersCount)"
	TransactionRejectedByPaymaster = "event TransactionRejectedByPaymaster(address indexed relayManager, address indexed paymaster, bytes32 indexed relayRequestID, address from, address to, address relayWorker, bytes4 selector, uint256 innerGasUsed, bytes reason)"
	TransactionRelayed             = "event TransactionRelayed(address indexed relayManager, address indexed relayWorker, bytes32 indexed relayRequestID, address from, address to, address paymaster, bytes4 selector, uint8 status, uint256 charge)"
	Withdrawn                      = "event Withdrawn(address indexed account, address indexed dest, uint256 amount)"

	HubAuthorized   = "event HubAuthorized(address indexed relayManager, address indexed relayHub)"
	HubUnauthorized = "event HubUnauthorized(address indexed relayManager, address indexed relayHub, uint256 removalTime)"
	OwnerSet        = "event OwnerSet(address indexed relayManager, address indexed owner)"
	StakeAdded      = "event StakeAdded(address indexed relayManager, address indexed owner, address token, uint256 stake, uint256 unstakeDelay)"
	StakeUnlocked   = "event StakeUnlocked(address indexed relayManager, address indexed owner, uint256 withdrawTime)"
	StakeWithdrawn  = "event StakeWithdrawn(address indexed relayManager, address indexed owner, address token, uint256 amount)"

	RelayServerRegistered = "event RelayServerRegistered(address indexed relayManager, address indexed relayHub, bytes32[3] relayUrl)"
)

var (
	RelayHubABI       = abi.MustReadABI(relayHubJSONABI)
	StakeManagerABI   = abi.MustReadABI(stakeManagerJSONABI)
	RelayRegistrarABI = abi.MustReadABI(relayRegistrarJSONABI)
	PaymasterABI      = abi.MustReadABI(paymasterJSONABI)
)
