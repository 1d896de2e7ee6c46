// Package wire implements the binary codec for telemetry records and
// export batches. The encoding is standard protobuf wire format, written
// directly with protowire so the field layout below is the contract.
package wire

import (
	"sort"
	"strings"
)

// Kind identifies how a record's value combines within a window.
type Kind uint8

const (
	// KindCounter is a monotonic delta summed over the window.
	KindCounter Kind = 1
	// KindGauge is a point-in-time value; the latest sample wins.
	KindGauge Kind = 2
	// KindHistogram is a sample distributed into fixed buckets.
	KindHistogram Kind = 3
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Valid reports whether the kind is a recognized record kind.
func (k Kind) Valid() bool {
	return k >= KindCounter && k <= KindHistogram
}

// Record is a single decoded telemetry observation. Immutable once
// decoded; label keys are unique by construction of the map.
type Record struct {
	// Name is the metric name.
	Name string
	// Timestamp is the observation time in Unix nanoseconds.
	Timestamp int64
	// Kind selects the accumulator the record routes to.
	Kind Kind
	// Value is the counter delta, gauge value, or histogram sample.
	Value float64
	// Labels is the label key/value set. May be nil.
	Labels map[string]string
}

// LabelString returns the canonical sorted "k=v,k=v" form of the label
// set, used as part of window identity.
func LabelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var sb strings.Builder

	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}

		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}

	return sb.String()
}
