package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the indexer has no record of the transfer yet.
	ErrNotFound = errors.New("transfer not found")
	// ErrTransient covers rate limits, 5xx responses and network failures.
	ErrTransient = errors.New("chain indexer unavailable")
	// ErrMalformedID is returned when the indexer rejects the id itself.
	ErrMalformedID = errors.New("malformed transfer id")
)

type Transaction struct {
	ID          string
	Finalized   bool
	BlockHeight int64
	BlockTime   time.Time
}

type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	AuxData string `json:"aux_data,omitempty"`
}

// TransferOutputs is what a transaction paid out, with its sender when the
// backend can tell.
type TransferOutputs struct {
	From    string
	Outputs []Output
}

// Query is the read side of an external chain indexer.
type Query interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetOutputs(ctx context.Context, id string) (*TransferOutputs, error)
	ExplorerLink(id string) string
	SameAddress(a, b string) bool
}
