package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	registryABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"account","type":"bytes32"},{"internalType":"int256","name":"quantity","type":"int256"},{"internalType":"uint64","name":"timestamp","type":"uint64"}],"name":"recordEnergy","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

	// quantityScale is the number of decimal places carried on chain.
	quantityScale = 9

	defaultGasLimit     = 120000
	receiptPollInterval = time.Second
)

var registryABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic("failed to parse energy registry ABI: " + err.Error())
	}
	registryABI = parsed
}

// evmBackend is the subset of ethclient.Client the registry client needs.
type evmBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMOptions parameterise the on-chain registry client.
type EVMOptions struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	GasLimit        uint64
}

// EVM records energy entries on an EVM registry contract.
type EVM struct {
	opts     EVMOptions
	logger   zerolog.Logger
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address

	clientMux sync.Mutex
	backend   evmBackend
	chainID   *big.Int

	// sendMux serialises nonce allocation across concurrent submits.
	sendMux sync.Mutex
}

// NewEVM validates options and builds a registry client. The RPC connection is
// dialled lazily on first submit.
func NewEVM(opts EVMOptions, logger zerolog.Logger) (*EVM, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, errors.New("registry contract address not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger private key: %w", err)
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = defaultGasLimit
	}

	e := &EVM{
		opts:     opts,
		logger:   logger.With().Str("component", "ledger_evm").Logger(),
		contract: common.HexToAddress(opts.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
	}
	if opts.ChainID > 0 {
		e.chainID = big.NewInt(opts.ChainID)
	}
	return e, nil
}

// Submit sends a recordEnergy transaction and waits for it to be mined. The
// transaction hash is the ledger reference.
func (e *EVM) Submit(ctx context.Context, record Record) (Receipt, error) {
	data, err := packRecord(record)
	if err != nil {
		return Receipt{}, err
	}

	backend, chainID, err := e.getBackend(ctx)
	if err != nil {
		return Receipt{}, err
	}

	signed, err := e.send(ctx, backend, chainID, data)
	if err != nil {
		return Receipt{}, err
	}

	receipt, err := waitMined(ctx, backend, signed.Hash())
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("%w: transaction %s reverted", ErrRejected, signed.Hash().Hex())
	}

	e.logger.Debug().
		Str("account", record.AccountRef).
		Str("tx", signed.Hash().Hex()).
		Uint64("block", blockNumber(receipt)).
		Msg("record mined")
	return Receipt{Reference: signed.Hash().Hex()}, nil
}

func (e *EVM) send(ctx context.Context, backend evmBackend, chainID *big.Int, data []byte) (*types.Transaction, error) {
	e.sendMux.Lock()
	defer e.sendMux.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), e.opts.GasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

func (e *EVM) getBackend(ctx context.Context) (evmBackend, *big.Int, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.backend == nil {
		client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
		if err != nil {
			return nil, nil, err
		}
		e.backend = client
	}
	if e.chainID == nil {
		id, err := e.backend.ChainID(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("chain id: %w", err)
		}
		e.chainID = id
	}
	return e.backend, e.chainID, nil
}

func packRecord(record Record) ([]byte, error) {
	if record.AccountRef == "" {
		return nil, errors.New("account reference required")
	}
	ts := record.EpochMillis()
	if ts < 0 {
		return nil, fmt.Errorf("timestamp %d predates the epoch", ts)
	}

	scaled := record.Quantity.Shift(quantityScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("quantity %s exceeds %d decimal places", record.Quantity, quantityScale)
	}

	var account [32]byte = crypto.Keccak256Hash([]byte(record.AccountRef))
	return registryABI.Pack("recordEnergy", account, scaled.BigInt(), uint64(ts))
}

func waitMined(ctx context.Context, backend evmBackend, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("transaction receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func blockNumber(receipt *types.Receipt) uint64 {
	if receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}

var _ Client = (*EVM)(nil)
