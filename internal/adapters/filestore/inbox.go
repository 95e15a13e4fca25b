package filestore

import (
	"context"
	"strings"

	"spotTrader/internal/domain"
)

// inboxDoc is written by the upstream signal pipeline and by operators.
// Buy signals request an entry; sell entries are manual exit triggers.
type inboxDoc struct {
	Buy  []domain.Signal `json:"buy"`
	Sell []domain.Signal `json:"sell"`
}

// SignalInbox implements ports.SignalSource on a shared JSON document.
type SignalInbox struct {
	store *Store
	path  string
}

// NewSignalInbox creates the signal inbox document at path.
func (s *Store) NewSignalInbox(path string) *SignalInbox {
	return &SignalInbox{store: s, path: path}
}

// Drain returns every queued signal and empties the document.
// Manual sells come first so an exit is never starved by a burst of buys.
func (i *SignalInbox) Drain(ctx context.Context) ([]domain.Signal, error) {
	var doc inboxDoc
	var out []domain.Signal
	err := i.store.update(ctx, i.path, &doc, func(found bool) (bool, error) {
		if !found || (len(doc.Buy) == 0 && len(doc.Sell) == 0) {
			return false, nil
		}
		for _, s := range doc.Sell {
			s.Side = domain.Sell
			s.Symbol = strings.ToUpper(s.Symbol)
			out = append(out, s)
		}
		for _, s := range doc.Buy {
			s.Side = domain.Buy
			s.Symbol = strings.ToUpper(s.Symbol)
			out = append(out, s)
		}
		doc = inboxDoc{Buy: []domain.Signal{}, Sell: []domain.Signal{}}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Push appends a signal, used by tooling that feeds the inbox.
func (i *SignalInbox) Push(ctx context.Context, sig domain.Signal) error {
	var doc inboxDoc
	return i.store.update(ctx, i.path, &doc, func(bool) (bool, error) {
		if sig.Side == domain.Sell {
			doc.Sell = append(doc.Sell, sig)
		} else {
			doc.Buy = append(doc.Buy, sig)
		}
		return true, nil
	})
}
