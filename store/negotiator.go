package store

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Result is the outcome of persistence negotiation: the mode that was
// committed and the store downstream components should use. Result must
// be produced before any session listener attaches.
type Result struct {
	Mode  Mode
	Store Store
}

// Negotiator selects a session-persistence backend: durable when the
// environment permits it, volatile otherwise. Establish never fails;
// the worst case is an unresolved mode with a best-effort store.
type Negotiator struct {
	durable  Store
	volatile Store
	logger   zerolog.Logger
}

type NegotiatorOption func(*Negotiator)

func WithNegotiatorLogger(logger zerolog.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

func NewNegotiator(durable, volatile Store, options ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		durable:  durable,
		volatile: volatile,
		logger:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// Establish probes the durable backend with a write/read/delete round
// trip and falls back to the volatile backend on any failure. Storage
// failures are logged, never returned: persistence trouble must not
// take the application down.
func (n *Negotiator) Establish() Result {
	if n.durable != nil {
		if err := probe(n.durable); err == nil {
			return Result{Mode: ModeDurable, Store: n.durable}
		} else {
			n.logger.Warn().Err(err).Msg("durable persistence unavailable, falling back to volatile")
		}
	}

	if n.volatile != nil {
		if err := probe(n.volatile); err == nil {
			return Result{Mode: ModeVolatile, Store: n.volatile}
		} else {
			n.logger.Error().Err(err).Msg("volatile persistence probe failed")
		}
	}

	n.logger.Error().Msg("no persistence backend resolved, continuing best-effort")
	fallback := n.volatile
	if fallback == nil {
		fallback = NewMemStore()
	}
	return Result{Mode: ModeUnresolved, Store: fallback}
}

func probe(s Store) error {
	key := "persistence_probe_" + uuid.New().String()[:8]
	if err := s.Set(key, []byte("probe")); err != nil {
		return err
	}
	if _, err := s.Get(key); err != nil {
		return err
	}
	return s.Delete(key)
}
