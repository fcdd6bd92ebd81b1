package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/util"
)

// SmartChainEscrowABI covers the calls made against the job escrow contract
const SmartChainEscrowABI = `[
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"deposits","stateMutability":"view","inputs":[{"name":"jobId","type":"bytes32"}],"outputs":[
		{"name":"client","type":"address"},
		{"name":"provider","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"released","type":"bool"}
	]}
]`

// ErrDepositNotFound is returned when the contract holds nothing for a job
var ErrDepositNotFound = errors.New("no deposit for job")

// ErrAlreadyReleased is returned when a job's deposit was already paid out
var ErrAlreadyReleased = errors.New("deposit already released")

// SmartChainConfig configures the smart-chain escrow client
type SmartChainConfig struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	// KeyFile is a web3 secret-storage JSON file for the releasing account
	KeyFile     string
	Password    string
	MaxGasPrice *big.Int
	WaitMined   bool
	RetryConfig *util.RetryConfig
}

// Deposit is the contract's record for one job
type Deposit struct {
	Client   common.Address
	Provider common.Address
	Amount   *big.Int
	Released bool
}

// SmartChainEscrow releases funds held by the job escrow contract
type SmartChainEscrow struct {
	config   SmartChainConfig
	client   *ethclient.Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	mockMode bool

	mockMu       sync.Mutex
	mockDeposits map[[32]byte]*Deposit
}

// DialSmartChainEscrow connects to the RPC endpoint, checks the chain ID and
// loads the signing key
func DialSmartChainEscrow(ctx context.Context, cfg SmartChainConfig) (*SmartChainEscrow, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid escrow contract address %q", cfg.ContractAddress)
	}

	key, err := loadKey(cfg.KeyFile, cfg.Password)
	if err != nil {
		return nil, err
	}

	client, result := util.RetryWithValue(ctx, cfg.RetryConfig, func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, cfg.RPCURL)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to connect to smart chain RPC: %w", result.LastError)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", cfg.ChainID, chainID)
	}

	parsedABI, err := abi.JSON(strings.NewReader(SmartChainEscrowABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	return &SmartChainEscrow{
		config:   cfg,
		client:   client,
		contract: bind.NewBoundContract(addr, parsedABI, client, client, client),
		key:      key,
		chainID:  chainID,
	}, nil
}

// NewMockSmartChainEscrow returns an in-memory escrow for tests and dry runs
func NewMockSmartChainEscrow() *SmartChainEscrow {
	return &SmartChainEscrow{
		mockMode:     true,
		mockDeposits: make(map[[32]byte]*Deposit),
	}
}

// IsMockMode returns whether running in mock mode
func (s *SmartChainEscrow) IsMockMode() bool {
	return s.mockMode
}

// MockDeposit records a deposit in mock mode
func (s *SmartChainEscrow) MockDeposit(jobID string, client, provider common.Address, amount *big.Int) {
	s.mockMu.Lock()
	defer s.mockMu.Unlock()
	s.mockDeposits[JobKey(jobID)] = &Deposit{Client: client, Provider: provider, Amount: new(big.Int).Set(amount)}
}

// JobKey maps a job ID onto the contract's bytes32 key
func JobKey(jobID string) [32]byte {
	return crypto.Keccak256Hash([]byte(jobID))
}

// Deposit reads the contract's record for a job
func (s *SmartChainEscrow) Deposit(ctx context.Context, jobID string) (*Deposit, error) {
	key := JobKey(jobID)
	if s.mockMode {
		s.mockMu.Lock()
		defer s.mockMu.Unlock()
		d, ok := s.mockDeposits[key]
		if !ok {
			return nil, ErrDepositNotFound
		}
		c := *d
		return &c, nil
	}

	var out []any
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "deposits", key); err != nil {
		return nil, fmt.Errorf("failed to read deposit: %w", err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("unexpected deposits result length %d", len(out))
	}
	d := &Deposit{
		Client:   *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Provider: *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Amount:   *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		Released: *abi.ConvertType(out[3], new(bool)).(*bool),
	}
	if d.Amount == nil || d.Amount.Sign() == 0 {
		return nil, ErrDepositNotFound
	}
	return d, nil
}

// Release pays the deposit for jobID out to the provider and returns the
// transaction hash
func (s *SmartChainEscrow) Release(ctx context.Context, jobID string) (string, error) {
	return s.transact(ctx, "release", jobID)
}

// Refund returns the deposit for jobID to the client
func (s *SmartChainEscrow) Refund(ctx context.Context, jobID string) (string, error) {
	return s.transact(ctx, "refund", jobID)
}

func (s *SmartChainEscrow) transact(ctx context.Context, method, jobID string) (string, error) {
	key := JobKey(jobID)
	if s.mockMode {
		return s.mockTransact(method, jobID, key)
	}

	auth, err := s.transactOpts(ctx)
	if err != nil {
		return "", err
	}

	tx, err := s.contract.Transact(auth, method, key)
	if err != nil {
		return "", fmt.Errorf("failed to %s escrow: %w", method, err)
	}

	if s.config.WaitMined {
		receipt, err := bind.WaitMined(ctx, s.client, tx)
		if err != nil {
			return "", fmt.Errorf("failed waiting for transaction: %w", err)
		}
		if receipt.Status == ethtypes.ReceiptStatusFailed {
			return "", fmt.Errorf("transaction failed: %s", tx.Hash().Hex())
		}
	}

	logging.Info("smart chain escrow transaction sent", "method", method, logging.JobID(jobID), "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

func (s *SmartChainEscrow) mockTransact(method, jobID string, key [32]byte) (string, error) {
	s.mockMu.Lock()
	defer s.mockMu.Unlock()

	d, ok := s.mockDeposits[key]
	if !ok {
		return "", ErrDepositNotFound
	}
	if d.Released {
		return "", ErrAlreadyReleased
	}
	d.Released = true

	hash := crypto.Keccak256Hash([]byte(method), key[:])
	logging.Info("mock escrow transaction", "method", method, logging.JobID(jobID), "amount", d.Amount.String())
	return hash.Hex(), nil
}

func (s *SmartChainEscrow) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if s.config.MaxGasPrice != nil && gasPrice.Cmp(s.config.MaxGasPrice) > 0 {
		gasPrice = s.config.MaxGasPrice
	}

	auth, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice
	return auth, nil
}

// Close closes the RPC connection
func (s *SmartChainEscrow) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func loadKey(path, password string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("smart chain key file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	k, err := keystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key file: %w", err)
	}
	return k.PrivateKey, nil
}
