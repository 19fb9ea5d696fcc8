package audit

import (
	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/dispatchtrace"
)

type broadcaster interface {
	Broadcast(core.DispatchRecord)
}

// WithBroadcast publishes every stored record to live API subscribers.
type WithBroadcast struct {
	*Store
	api broadcaster
}

func WithAPI(base *Store, api broadcaster) *WithBroadcast {
	return &WithBroadcast{Store: base, api: api}
}

func (w *WithBroadcast) Write(rec core.DispatchRecord, trace *dispatchtrace.Trace) error {
	if err := w.Store.Write(rec, trace); err != nil {
		return err
	}
	if w.api != nil {
		w.api.Broadcast(rec)
	}
	return nil
}
