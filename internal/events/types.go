package events

import (
	"context"

	"mintsync/internal/wallet"
)

// Kind identifies an event type
type Kind int

const (
	KindQuoteCreated Kind = iota
	KindQuoteAdded
	KindQuoteRequeue
	KindQuoteStateChanged
	KindProofStateChanged
)

func (k Kind) String() string {
	switch k {
	case KindQuoteCreated:
		return "quote-created"
	case KindQuoteAdded:
		return "quote-added"
	case KindQuoteRequeue:
		return "quote-requeue"
	case KindQuoteStateChanged:
		return "quote-state-changed"
	case KindProofStateChanged:
		return "proof-state-changed"
	}
	return "unknown"
}

// Event is implemented by every payload type
type Event interface {
	Kind() Kind
}

// Handler handles one event. Returned errors are logged by the bus.
type Handler func(ctx context.Context, ev Event) error

// QuoteCreated is emitted when the wallet requests a new quote
type QuoteCreated struct {
	Endpoint string
	QuoteID  string
	Quote    wallet.Quote
}

func (QuoteCreated) Kind() Kind { return KindQuoteCreated }

// QuoteAdded is emitted when an existing quote is imported
type QuoteAdded struct {
	Endpoint string
	QuoteID  string
	Quote    wallet.Quote
}

func (QuoteAdded) Kind() Kind { return KindQuoteAdded }

// QuoteRequeue asks the processor to retry a quote regardless of its stored state
type QuoteRequeue struct {
	Endpoint string
	QuoteID  string
}

func (QuoteRequeue) Kind() Kind { return KindQuoteRequeue }

// QuoteStateChanged is emitted after a quote state is persisted
type QuoteStateChanged struct {
	Endpoint string
	QuoteID  string
	State    wallet.QuoteState
}

func (QuoteStateChanged) Kind() Kind { return KindQuoteStateChanged }

// ProofStateChanged is emitted after the state of a set of proofs is persisted
type ProofStateChanged struct {
	Endpoint string
	Secrets  []string
	State    wallet.ProofState
}

func (ProofStateChanged) Kind() Kind { return KindProofStateChanged }
