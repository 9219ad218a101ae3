package emitters

import (
	"github.com/carlosnetto/ybank.me-wallet/internal/logger"
	"github.com/carlosnetto/ybank.me-wallet/internal/models"
)

// LogEmitter writes transfer events to the log. It is the default when no
// Kafka broker is configured.
type LogEmitter struct{}

func (LogEmitter) EmitEvent(event models.TransferEvent) error {
	logger.GetLogger().Info().
		Str("account", event.Account).
		Str("txHash", event.TxHash).
		Str("direction", string(event.Direction)).
		Str("amount", event.Amount).
		Str("counterparty", event.Counterparty).
		Time("timestamp", event.Timestamp).
		Msg("Observed transfer")
	return nil
}

func (LogEmitter) Close() error { return nil }
