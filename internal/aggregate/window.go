package aggregate

import (
	"github.com/ethpandaops/observer/internal/wire"
)

// State is a window's position in its lifecycle. Transitions are
// monotonic: Open -> Finalizing -> Finalized, each taken exactly once.
type State uint8

const (
	// StateOpen accepts records normally.
	StateOpen State = iota
	// StateFinalizing accepts late records during the grace period.
	StateFinalizing
	// StateFinalized has been handed to export; late records are
	// dropped and counted.
	StateFinalized
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	case StateFinalized:
		return "finalized"
	default:
		return "invalid"
	}
}

// Key identifies a window: metric name, canonical label string, and
// window start in Unix nanoseconds. Unique within the active set.
type Key struct {
	Name     string
	LabelStr string
	Start    int64
}

// Window is one time bucket [Start, Start+duration) for one metric
// identity. Mutated only under the owning shard's lock.
type Window struct {
	key    Key
	labels map[string]string
	start  int64
	end    int64
	kind   wire.Kind
	state  State
	acc    Accumulator
}

func newWindow(key Key, r wire.Record, end int64, bounds []float64) *Window {
	return &Window{
		key:    key,
		labels: r.Labels,
		start:  key.Start,
		end:    end,
		kind:   r.Kind,
		acc:    NewAccumulator(r.Kind, bounds),
	}
}

// State returns the window's current lifecycle state.
func (w *Window) State() State { return w.state }

// apply folds a record into the window's accumulator. Records are only
// applied while Open or Finalizing.
func (w *Window) apply(r wire.Record) {
	w.acc.Apply(r)
}

// beginFinalize moves Open -> Finalizing. No-op in any other state.
func (w *Window) beginFinalize() {
	if w.state == StateOpen {
		w.state = StateFinalizing
	}
}

// finalize moves the window to Finalized and returns its export form.
// Must only be called once, while Open or Finalizing.
func (w *Window) finalize() wire.Window {
	w.state = StateFinalized

	out := wire.Window{
		Name:     w.key.Name,
		Labels:   w.labels,
		Start:    w.start,
		End:      w.end,
		Kind:     w.kind,
		DedupKey: wire.NewDedupKey(w.key.Name, w.key.LabelStr, w.end),
	}

	w.acc.Fill(&out)

	return out
}
