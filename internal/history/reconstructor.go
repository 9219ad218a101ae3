package history

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/carlosnetto/ybank.me-wallet/internal/erc20"
	"github.com/carlosnetto/ybank.me-wallet/internal/metrics"
	"github.com/carlosnetto/ybank.me-wallet/internal/models"
)

// Deployment constants for the scan. The window approximates a several-hour
// lookback at Base's block cadence; the chunk size respects per-request
// result limits on public RPC endpoints.
const (
	DefaultWindowBlocks     = 7500
	DefaultChunkBlocks      = 2500
	DefaultLogConcurrency   = 3
	DefaultBlockConcurrency = 10
)

// Client is the read surface the reconstructor needs from the chain.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Options tunes the scan for a deployment. Zero values fall back to the
// defaults above.
type Options struct {
	WindowBlocks     uint64
	ChunkBlocks      uint64
	LogConcurrency   int
	BlockConcurrency int
	ExplorerBaseURL  string

	// now is overridable for tests of the timestamp fallback.
	now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.WindowBlocks == 0 {
		o.WindowBlocks = DefaultWindowBlocks
	}
	if o.ChunkBlocks == 0 {
		o.ChunkBlocks = DefaultChunkBlocks
	}
	if o.LogConcurrency == 0 {
		o.LogConcurrency = DefaultLogConcurrency
	}
	if o.BlockConcurrency == 0 {
		o.BlockConcurrency = DefaultBlockConcurrency
	}
	if o.now == nil {
		o.now = time.Now
	}
}

// Reconstructor rebuilds an account's recent transfer activity from raw
// Transfer logs. Every call is a full rebuild over the trailing window;
// nothing is cached between calls.
type Reconstructor struct {
	client  Client
	opts    Options
	logger  *zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Reconstructor around an injected chain client.
func New(client Client, opts Options, logger *zerolog.Logger, m *metrics.Metrics) *Reconstructor {
	opts.applyDefaults()
	return &Reconstructor{client: client, opts: opts, logger: logger, metrics: m}
}

type eventKey struct {
	txHash   common.Hash
	logIndex uint
}

type blockRange struct {
	from, to uint64
}

// Reconstruct returns the account's transfer activity within the trailing
// window, newest first. A non-nil error means the scan could not run at all;
// an empty list with a nil error means the account genuinely had no recent
// activity. Individual failed sub-ranges are tolerated and logged, so a
// successful result may still be missing a slice of the window.
func (r *Reconstructor) Reconstruct(ctx context.Context, account common.Address) ([]models.Transaction, error) {
	start := r.opts.now()

	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}

	from := uint64(0)
	if head > r.opts.WindowBlocks {
		from = head - r.opts.WindowBlocks
	}

	logs, err := r.fetchLogs(ctx, account, from, head)
	if err != nil {
		return nil, err
	}

	deduped := dedupe(logs)
	timestamps := r.resolveTimestamps(ctx, deduped)

	txs := make([]models.Transaction, 0, len(deduped))
	for _, lg := range deduped {
		tx, ok := r.toTransaction(lg, account, timestamps)
		if !ok {
			continue
		}
		txs = append(txs, tx)
	}

	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.After(txs[j].Timestamp)
		}
		if txs[i].BlockNumber != txs[j].BlockNumber {
			return txs[i].BlockNumber > txs[j].BlockNumber
		}
		return txs[i].LogIndex > txs[j].LogIndex
	})

	r.metrics.ObserveHistoryScan(r.opts.now().Sub(start), len(deduped))
	r.logger.Debug().
		Str("account", account.Hex()).
		Uint64("fromBlock", from).
		Uint64("headBlock", head).
		Int("transactions", len(txs)).
		Msg("Reconstructed transfer history")

	return txs, nil
}

// fetchLogs scans both transfer directions across the window in fixed-size
// chunks with bounded parallelism. A failing chunk contributes an empty
// result; only total failure of every chunk aborts the scan.
func (r *Reconstructor) fetchLogs(ctx context.Context, account common.Address, from, head uint64) ([]types.Log, error) {
	var ranges []blockRange
	for lo := from; lo <= head; lo += r.opts.ChunkBlocks {
		hi := lo + r.opts.ChunkBlocks - 1
		if hi > head {
			hi = head
		}
		ranges = append(ranges, blockRange{from: lo, to: hi})
	}

	accountTopic := common.BytesToHash(common.LeftPadBytes(account.Bytes(), 32))
	token := erc20.Token()

	queries := make([]ethereum.FilterQuery, 0, 2*len(ranges))
	for _, br := range ranges {
		// Account as recipient, then account as sender.
		queries = append(queries, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(br.from),
			ToBlock:   new(big.Int).SetUint64(br.to),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{erc20.TransferTopic}, nil, {accountTopic}},
		})
		queries = append(queries, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(br.from),
			ToBlock:   new(big.Int).SetUint64(br.to),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{erc20.TransferTopic}, {accountTopic}},
		})
	}

	var (
		mu     sync.Mutex
		logs   []types.Log
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.LogConcurrency)
	for _, q := range queries {
		g.Go(func() error {
			chunk, err := r.client.FilterLogs(gctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				r.metrics.IncChunkFailure()
				r.logger.Warn().
					Err(err).
					Uint64("fromBlock", q.FromBlock.Uint64()).
					Uint64("toBlock", q.ToBlock.Uint64()).
					Msg("Log sub-range scan failed, skipping range")
				return nil
			}
			logs = append(logs, chunk...)
			return nil
		})
	}
	_ = g.Wait()

	if len(queries) > 0 && failed == len(queries) {
		return nil, fmt.Errorf("all %d log sub-range scans failed", failed)
	}

	return logs, nil
}

// dedupe removes duplicate events by (tx hash, log index). An event appears
// in both direction filters only on a self-transfer.
func dedupe(logs []types.Log) []types.Log {
	seen := make(map[eventKey]struct{}, len(logs))
	out := logs[:0:0]
	for _, lg := range logs {
		key := eventKey{txHash: lg.TxHash, logIndex: lg.Index}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, lg)
	}
	return out
}

// resolveTimestamps maps each distinct referenced block to its commit time
// with bounded parallelism. A failed lookup leaves the block out of the map;
// its events fall back to the current time rather than being dropped.
func (r *Reconstructor) resolveTimestamps(ctx context.Context, logs []types.Log) map[uint64]time.Time {
	distinct := make(map[uint64]struct{}, len(logs))
	for _, lg := range logs {
		distinct[lg.BlockNumber] = struct{}{}
	}

	var mu sync.Mutex
	timestamps := make(map[uint64]time.Time, len(distinct))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.BlockConcurrency)
	for number := range distinct {
		g.Go(func() error {
			header, err := r.client.HeaderByNumber(gctx, new(big.Int).SetUint64(number))
			if err != nil || header == nil {
				r.logger.Warn().
					Err(err).
					Uint64("blockNumber", number).
					Msg("Block timestamp lookup failed, falling back to current time")
				return nil
			}
			mu.Lock()
			timestamps[number] = time.Unix(int64(header.Time), 0)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return timestamps
}

// toTransaction maps one surviving transfer log to the view model. Malformed
// and zero-amount events are excluded.
func (r *Reconstructor) toTransaction(lg types.Log, account common.Address, timestamps map[uint64]time.Time) (models.Transaction, bool) {
	if len(lg.Topics) < 3 || lg.Removed {
		return models.Transaction{}, false
	}

	amount := new(big.Int).SetBytes(lg.Data)
	if amount.Sign() == 0 {
		return models.Transaction{}, false
	}

	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())

	direction := models.Out
	counterparty := to
	if to == account {
		direction = models.In
		counterparty = from
	}

	ts, ok := timestamps[lg.BlockNumber]
	if !ok {
		ts = r.opts.now()
	}

	tx := models.Transaction{
		TxHash:       lg.TxHash.Hex(),
		LogIndex:     lg.Index,
		Direction:    direction,
		Amount:       erc20.FormatUnits(amount, erc20.Decimals),
		Counterparty: counterparty.Hex(),
		BlockNumber:  lg.BlockNumber,
		Timestamp:    ts,
		Status:       "confirmed",
	}
	if r.opts.ExplorerBaseURL != "" {
		tx.ExplorerURL = r.opts.ExplorerBaseURL + tx.TxHash
	}
	return tx, true
}
