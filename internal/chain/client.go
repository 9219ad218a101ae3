package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/carlosnetto/ybank.me-wallet/internal/config"
	"github.com/carlosnetto/ybank.me-wallet/internal/erc20"
	"github.com/carlosnetto/ybank.me-wallet/internal/metrics"
)

// Client wraps a single shared ethclient handle with rate limiting, retries
// and structured logging. It is created once at process start and injected
// into every component that talks to the chain.
type Client struct {
	eth        *ethclient.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	chainID    *big.Int
	logger     *zerolog.Logger
	metrics    *metrics.Metrics
}

// CustomTransport adds API key authentication to RPC requests.
type CustomTransport struct {
	Base   http.RoundTripper
	ApiKey string
}

func (t *CustomTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if t.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.ApiKey)
	}
	return t.Base.RoundTrip(req)
}

// Dial connects to the configured Base RPC endpoint.
func Dial(cfg *config.Config, logger *zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	httpClient := &http.Client{
		Timeout: cfg.HTTP.Timeout,
		Transport: &CustomTransport{
			Base:   http.DefaultTransport,
			ApiKey: cfg.Chain.ApiKey,
		},
	}

	rpcClient, err := rpc.DialHTTPWithClient(cfg.Chain.RpcEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	return &Client{
		eth:        ethclient.NewClient(rpcClient),
		limiter:    rate.NewLimiter(rate.Limit(cfg.Chain.RateLimit), 1),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		chainID:    big.NewInt(erc20.ChainID),
		logger:     logger,
		metrics:    m,
	}, nil
}

// ChainID returns the configured network id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// call runs fn through the rate limiter with retries and records metrics.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	start := time.Now()

	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err = c.limiter.Wait(ctx); err != nil {
			break
		}
		if err = fn(); err == nil {
			c.metrics.ObserveRPCCall(method, "ok", time.Since(start))
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(c.retryDelay)
	}

	c.metrics.ObserveRPCCall(method, "error", time.Since(start))
	c.logger.Error().Err(err).Str("method", method).Msg("RPC call failed")
	return err
}

// BlockNumber returns the current chain head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "eth_blockNumber", func() error {
		var err error
		head, err = c.eth.BlockNumber(ctx)
		return err
	})
	return head, err
}

// FilterLogs fetches logs matching the query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func() error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// HeaderByNumber fetches a block header; a nil number means latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func() error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// BalanceOf returns the account's raw USDC balance.
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := erc20.PackBalanceOf(account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	token := erc20.Token()
	msg := ethereum.CallMsg{To: &token, Data: data}

	var raw []byte
	err = c.call(ctx, "eth_call", func() error {
		var err error
		raw, err = c.eth.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return new(big.Int).SetBytes(raw), nil
}

// SendTransfer signs and broadcasts a USDC transfer. It returns the
// transaction hash without waiting for inclusion.
func (c *Client) SendTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	token := erc20.Token()

	data, err := erc20.PackTransfer(to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transfer call: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas tip: %w", err)
	}

	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get head for base fee: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 120 / 100,
		To:        &token,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	c.logger.Info().
		Str("txHash", signed.Hash().Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.String()).
		Msg("Broadcast token transfer")

	return signed.Hash(), nil
}

// Close releases the underlying RPC connections.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
