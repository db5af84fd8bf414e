package txn

import (
	"sync"

	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

var (
	_ pl.Attributes             = (*AttributeStore)(nil)
	_ pl.TransactionListener    = (*AttributeStore)(nil)
	_ pl.SubTransactionListener = (*AttributeStore)(nil)
)

type pending struct {
	v       any
	removed bool
}

// AttributeStore is a session key/value map with transactional visibility.
// Changes go to a layer of the innermost open (sub)transaction. Committing a
// subtransaction folds its layer into the enclosing one, committing the
// transaction publishes everything and aborting drops the layer. The store
// learns about boundaries as a listener.
type AttributeStore struct {
	mu        sync.Mutex
	committed map[string]any
	layers    []map[string]pending
}

func NewAttributeStore() *AttributeStore {
	return &AttributeStore{committed: make(map[string]any)}
}

func (a *AttributeStore) Get(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.layers) - 1; i >= 0; i-- {
		if p, ok := a.layers[i][key]; ok {
			if p.removed {
				return nil, false
			}
			return p.v, true
		}
	}
	v, ok := a.committed[key]
	return v, ok
}

func (a *AttributeStore) top() map[string]pending {
	if len(a.layers) == 0 {
		a.layers = append(a.layers, make(map[string]pending))
	}
	return a.layers[len(a.layers)-1]
}

func (a *AttributeStore) Set(key string, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.top()[key] = pending{v: v}
}

func (a *AttributeStore) Remove(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.top()[key] = pending{removed: true}
}

// Committed returns a copy of the values visible outside any transaction.
func (a *AttributeStore) Committed() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.committed))
	for k, v := range a.committed {
		out[k] = v
	}
	return out
}

func (a *AttributeStore) OnTransaction(e types.XactEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e {
	case types.XactCommit, types.XactPrepare, types.XactParallelCommit:
		for _, layer := range a.layers {
			for k, p := range layer {
				if p.removed {
					delete(a.committed, k)
				} else {
					a.committed[k] = p.v
				}
			}
		}
		a.layers = nil
	case types.XactAbort, types.XactParallelAbort:
		a.layers = nil
	}
	return nil
}

func (a *AttributeStore) OnSubTransaction(e types.SubXact) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e.Event {
	case types.SubXactStart:
		// layer 0 belongs to the top transaction
		for len(a.layers) < e.Level {
			a.layers = append(a.layers, make(map[string]pending))
		}
		a.layers = append(a.layers, make(map[string]pending))
	case types.SubXactCommit:
		if len(a.layers) > e.Level && e.Level > 0 {
			inner := a.layers[e.Level]
			outer := a.layers[e.Level-1]
			for k, p := range inner {
				outer[k] = p
			}
			a.layers = a.layers[:e.Level]
		}
	case types.SubXactAbort:
		if len(a.layers) > e.Level {
			a.layers = a.layers[:e.Level]
		}
	}
	return nil
}
