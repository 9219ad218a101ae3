package models

import (
	"strconv"
	"time"
)

// Direction of a transfer relative to the wallet account.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Transaction is the UI-facing view of one token transfer. It is derived from
// exactly one deduplicated ledger event with a nonzero amount.
type Transaction struct {
	TxHash       string    `json:"tx_hash"`
	LogIndex     uint      `json:"log_index"`
	Direction    Direction `json:"direction"`
	Amount       string    `json:"amount"`
	Counterparty string    `json:"counterparty"`
	BlockNumber  uint64    `json:"block_number"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	ExplorerURL  string    `json:"explorer_url,omitempty"`
}

// Key identifies a transaction uniquely within the history output.
func (t Transaction) Key() string {
	return t.TxHash + "#" + strconv.FormatUint(uint64(t.LogIndex), 10)
}

// TransferEvent is the message emitted when the poller observes a transfer
// touching the wallet account.
type TransferEvent struct {
	Account      string    `json:"account"`
	TxHash       string    `json:"tx_hash"`
	LogIndex     uint      `json:"log_index"`
	Direction    Direction `json:"direction"`
	Amount       string    `json:"amount"`
	Counterparty string    `json:"counterparty"`
	Timestamp    time.Time `json:"timestamp"`
}
