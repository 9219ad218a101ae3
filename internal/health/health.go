package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosnetto/ybank.me-wallet/internal/logger"
)

// HeadSource reports the current chain head.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

var (
	isReady int32

	statusMutex sync.RWMutex
	lastBlock   uint64
	lastCheck   time.Time
)

func SetReady(ready bool) {
	if ready {
		atomic.StoreInt32(&isReady, 1)
	} else {
		atomic.StoreInt32(&isReady, 0)
	}
}

func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	statusMutex.RLock()
	defer statusMutex.RUnlock()

	if atomic.LoadInt32(&isReady) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready"))

		return
	}

	response := map[string]interface{}{
		"status":     "Ready",
		"last_block": lastBlock,
		"checked_at": lastCheck,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// WatchHead periodically refreshes the chain head used by the readiness
// probe until the context is cancelled.
func WatchHead(ctx context.Context, source HeadSource, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				head, err := source.BlockNumber(ctx)
				if err != nil {
					logger.GetLogger().Error().Err(err).Msg("Error getting chain head for readiness probe")
					continue
				}
				updateHead(head)
			}
		}
	}()
}

func updateHead(head uint64) {
	statusMutex.Lock()
	defer statusMutex.Unlock()
	lastBlock = head
	lastCheck = time.Now()
}
