package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config holds connection configuration.
type Config struct {
	URL        string // websocket endpoint; log subscriptions need ws or ipc
	ChainID    int64  // expected chain id, 0 to accept whatever the node reports
	PrivateKey string // hex, used to sign claim transactions
}

// Client bundles an ethclient connection with the signer used for claims.
type Client struct {
	*ethclient.Client
	Signer  *bind.TransactOpts
	ChainID *big.Int
}

// NewClient dials the node and builds a keyed transactor for the configured chain.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	ec, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial EVM node: %w", err)
	}

	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		ec.Close()
		return nil, fmt.Errorf("chain id mismatch: node reports %s, configured %d", chainID, cfg.ChainID)
	}

	signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	return &Client{Client: ec, Signer: signer, ChainID: chainID}, nil
}

// Address returns the account that signs claims.
func (c *Client) Address() common.Address {
	return c.Signer.From
}
