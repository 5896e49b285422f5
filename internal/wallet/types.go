package wallet

import (
	"context"
	"errors"
)

// ErrNotFound is returned by collaborators for unknown quotes or proofs
var ErrNotFound = errors.New("not found")

// QuoteTypeBolt11 is the only quote type handled out of the box
const QuoteTypeBolt11 = "bolt11"

// QuoteState is the lifecycle state of a mint quote
type QuoteState string

const (
	QuoteUnpaid  QuoteState = "UNPAID"
	QuotePaid    QuoteState = "PAID"
	QuotePending QuoteState = "PENDING"
	QuoteIssued  QuoteState = "ISSUED"
)

// IsTerminal reports whether no further remote transition is expected
func (s QuoteState) IsTerminal() bool {
	return s == QuoteIssued
}

// ProofState is the local state of a proof
type ProofState string

const (
	ProofReady    ProofState = "ready"
	ProofInflight ProofState = "inflight"
	ProofSpent    ProofState = "spent"
)

// CheckState is the state of a proof as reported by the mint
type CheckState string

const (
	CheckUnspent CheckState = "UNSPENT"
	CheckPending CheckState = "PENDING"
	CheckSpent   CheckState = "SPENT"
)

// Quote is a mint quote tracked by the wallet
type Quote struct {
	Endpoint string     `json:"endpoint"`
	ID       string     `json:"quote"`
	Type     string     `json:"type,omitempty"`
	State    QuoteState `json:"state"`
	Amount   uint64     `json:"amount,omitempty"`
	Request  string     `json:"request,omitempty"`
	Expiry   int64      `json:"expiry,omitempty"`
}

// QuoteService mutates quotes
type QuoteService interface {
	// RedeemQuote claims the ecash of a paid quote
	RedeemQuote(ctx context.Context, endpoint, quoteID string) error
	// UpdateStateFromRemote records a state the mint reported for a quote
	UpdateStateFromRemote(ctx context.Context, endpoint, quoteID string, state QuoteState) error
}

// ProofService mutates proofs
type ProofService interface {
	SetProofState(ctx context.Context, endpoint string, secrets []string, state ProofState) error
}

// QuoteRepository reads quotes
type QuoteRepository interface {
	// GetPendingQuotes returns every quote not yet ISSUED
	GetPendingQuotes(ctx context.Context) ([]Quote, error)
}
