package poller

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/carlosnetto/ybank.me-wallet/internal/emitters"
	"github.com/carlosnetto/ybank.me-wallet/internal/erc20"
	"github.com/carlosnetto/ybank.me-wallet/internal/metrics"
	"github.com/carlosnetto/ybank.me-wallet/internal/models"
)

// Chain is the read surface the poller needs for balance refreshes.
type Chain interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// Reconstructor rebuilds the account's recent transfer history.
type Reconstructor interface {
	Reconstruct(ctx context.Context, account common.Address) ([]models.Transaction, error)
}

// Snapshot is the latest known wallet state served to the API.
type Snapshot struct {
	Balance      string               `json:"balance"`
	Transactions []models.Transaction `json:"transactions"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Seq          uint64               `json:"-"`
}

// Poller periodically refreshes balance and history. Poll cycles may overlap;
// every cycle carries a sequence number and a cycle's result is discarded if
// a newer cycle has already been applied, so a slow scan can never overwrite
// fresher state.
type Poller struct {
	chain    Chain
	recon    Reconstructor
	emitter  emitters.Emitter
	account  common.Address
	interval time.Duration
	logger   *zerolog.Logger
	metrics  *metrics.Metrics

	seq atomic.Uint64

	mu       sync.RWMutex
	snapshot Snapshot
	seen     map[string]struct{}
	primed   bool
}

// New creates a Poller for one account.
func New(chain Chain, recon Reconstructor, emitter emitters.Emitter, account common.Address, interval time.Duration, logger *zerolog.Logger, m *metrics.Metrics) *Poller {
	return &Poller{
		chain:    chain,
		recon:    recon,
		emitter:  emitter,
		account:  account,
		interval: interval,
		logger:   logger,
		metrics:  m,
		seen:     make(map[string]struct{}),
	}
}

// Run polls until the context is cancelled. The first cycle runs immediately.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info().
		Str("account", p.account.Hex()).
		Dur("interval", p.interval).
		Msg("Starting wallet poller")

	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Wallet poller shutting down")
			return
		case <-ticker.C:
			go p.pollOnce(ctx)
		}
	}
}

// Snapshot returns a copy of the latest applied state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := p.snapshot
	snap.Transactions = make([]models.Transaction, len(p.snapshot.Transactions))
	copy(snap.Transactions, p.snapshot.Transactions)
	return snap
}

func (p *Poller) pollOnce(ctx context.Context) {
	seq := p.seq.Add(1)

	balance := ""
	raw, err := p.chain.BalanceOf(ctx, p.account)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Balance refresh failed, keeping previous value")
	} else {
		balance = erc20.FormatUnits(raw, erc20.Decimals)
	}

	txs, err := p.recon.Reconstruct(ctx, p.account)
	if err != nil {
		p.logger.Error().Err(err).Msg("History reconstruction failed")
		p.metrics.IncPoll("error")
		// Do not apply a failed scan; the previous snapshot stays current.
		if balance != "" {
			p.applyBalance(seq, balance)
		}
		return
	}

	p.apply(seq, balance, txs)
}

// applyBalance updates only the balance, respecting sequence ordering.
func (p *Poller) applyBalance(seq uint64, balance string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq <= p.snapshot.Seq {
		p.metrics.IncPoll("stale")
		return
	}
	p.snapshot.Balance = balance
	p.snapshot.UpdatedAt = time.Now()
	p.snapshot.Seq = seq
}

// apply installs a completed poll cycle unless it has been superseded, and
// emits each transfer observed for the first time. The initial cycle seeds
// the seen set without emitting historical activity.
func (p *Poller) apply(seq uint64, balance string, txs []models.Transaction) {
	p.mu.Lock()

	if seq <= p.snapshot.Seq {
		p.mu.Unlock()
		p.metrics.IncPoll("stale")
		p.logger.Debug().Uint64("seq", seq).Msg("Discarding superseded poll result")
		return
	}

	if balance != "" {
		p.snapshot.Balance = balance
	}
	p.snapshot.Transactions = txs
	p.snapshot.UpdatedAt = time.Now()
	p.snapshot.Seq = seq

	var fresh []models.Transaction
	for _, tx := range txs {
		if _, ok := p.seen[tx.Key()]; ok {
			continue
		}
		p.seen[tx.Key()] = struct{}{}
		if p.primed {
			fresh = append(fresh, tx)
		}
	}
	p.primed = true
	p.mu.Unlock()

	p.metrics.IncPoll("ok")

	for _, tx := range fresh {
		event := models.TransferEvent{
			Account:      p.account.Hex(),
			TxHash:       tx.TxHash,
			LogIndex:     tx.LogIndex,
			Direction:    tx.Direction,
			Amount:       tx.Amount,
			Counterparty: tx.Counterparty,
			Timestamp:    tx.Timestamp,
		}
		if err := p.emitter.EmitEvent(event); err != nil {
			p.logger.Error().Err(err).Str("txHash", tx.TxHash).Msg("Failed to emit transfer event")
		}
	}
}
