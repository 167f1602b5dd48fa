// Package chain talks to the JSON-RPC node: receipts for deposits, refunds and
// transfers, and signed withdrawal submissions to credit channel contracts.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

type Config struct {
	RPCURL        string
	ChainID       int64
	PrivateKeyHex string
	GasLimit      uint64
	MaxGasPrice   *big.Int
}

type Client struct {
	rpc     *ethclient.Client
	cfg     Config
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	logger  *zap.Logger
}

func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("chain: RPC URL required")
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC node: %w", err)
	}
	c := &Client{rpc: rpc, cfg: cfg, chainID: big.NewInt(cfg.ChainID), logger: logger}
	if c.cfg.GasLimit == 0 {
		c.cfg.GasLimit = 200_000
	}

	if cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// Receipt returns nil, nil while the transaction is not yet mined.
func (c *Client) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return receipt, nil
}

// SubmitWithdrawal calls withdraw(recipient, amount) on the channel contract
// and returns the transaction hash once the node accepted it.
func (c *Client) SubmitWithdrawal(ctx context.Context, contract, recipient string, amount *big.Int) (string, error) {
	if c.key == nil {
		return "", errors.New("chain: signing key not configured")
	}
	data, err := channelABI.Pack("withdraw", common.HexToAddress(recipient), amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack withdraw: %w", err)
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	if c.cfg.MaxGasPrice != nil && gasPrice.Cmp(c.cfg.MaxGasPrice) > 0 {
		gasPrice = c.cfg.MaxGasPrice
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(contract), big.NewInt(0), c.cfg.GasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	c.logger.Info("withdrawal submitted",
		zap.String("tx_hash", hash),
		zap.String("contract", contract),
		zap.String("recipient", recipient),
		zap.String("amount", amount.String()))
	return hash, nil
}
