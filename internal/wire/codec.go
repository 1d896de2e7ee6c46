package wire

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Sentinel decode errors. Encoding never fails for well-formed in-memory
// data; a failed encode is a logic bug, not a runtime condition.
var (
	// ErrMalformed indicates truncated or invalid schema bytes.
	ErrMalformed = errors.New("wire: malformed payload")
	// ErrUnknownKind indicates an unrecognized record kind tag.
	ErrUnknownKind = errors.New("wire: unknown record kind")
)

// Record field numbers.
const (
	recFieldName      = 1
	recFieldTimestamp = 2
	recFieldKind      = 3
	recFieldValue     = 4
	recFieldLabel     = 5
)

// Label sub-message field numbers, shared by records and windows.
const (
	labelFieldKey   = 1
	labelFieldValue = 2
)

// Window field numbers.
const (
	winFieldName       = 1
	winFieldLabel      = 2
	winFieldStart      = 3
	winFieldEnd        = 4
	winFieldKind       = 5
	winFieldDedupKey   = 6
	winFieldCounterSum = 7
	winFieldGaugeValue = 8
	winFieldGaugeTime  = 9
	winFieldHistBound  = 10
	winFieldHistCount  = 11
	winFieldHistN      = 12
	winFieldHistSum    = 13
)

// Batch field numbers.
const (
	batchFieldCreatedAt = 1
	batchFieldWindow    = 2
)

// EncodeRecord serializes a record to protobuf wire format.
func EncodeRecord(r Record) []byte {
	b := make([]byte, 0, 64+len(r.Name))

	if r.Name != "" {
		b = protowire.AppendTag(b, recFieldName, protowire.BytesType)
		b = protowire.AppendString(b, r.Name)
	}

	if r.Timestamp != 0 {
		b = protowire.AppendTag(b, recFieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Timestamp))
	}

	b = protowire.AppendTag(b, recFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))

	if r.Value != 0 {
		b = protowire.AppendTag(b, recFieldValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(r.Value))
	}

	b = appendLabels(b, recFieldLabel, r.Labels)

	return b
}

// DecodeRecord parses a record from protobuf wire format. It fails with
// ErrMalformed on truncated or invalid bytes and ErrUnknownKind on an
// unrecognized kind tag. Unknown fields are skipped.
func DecodeRecord(data []byte) (Record, error) {
	var r Record

	sawKind := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Record{}, ErrMalformed
		}

		data = data[n:]

		switch {
		case num == recFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Record{}, ErrMalformed
			}

			r.Name = v
			data = data[n:]
		case num == recFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Record{}, ErrMalformed
			}

			r.Timestamp = int64(v)
			data = data[n:]
		case num == recFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Record{}, ErrMalformed
			}

			r.Kind = Kind(v)
			sawKind = true
			data = data[n:]
		case num == recFieldValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Record{}, ErrMalformed
			}

			r.Value = math.Float64frombits(v)
			data = data[n:]
		case num == recFieldLabel && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Record{}, ErrMalformed
			}

			key, val, err := decodeLabel(v)
			if err != nil {
				return Record{}, err
			}

			if r.Labels == nil {
				r.Labels = make(map[string]string, 4)
			}

			r.Labels[key] = val
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Record{}, ErrMalformed
			}

			data = data[n:]
		}
	}

	if !sawKind || !r.Kind.Valid() {
		return Record{}, fmt.Errorf("%w: kind %d", ErrUnknownKind, r.Kind)
	}

	return r, nil
}

// EncodeBatch serializes a batch to protobuf wire format.
func EncodeBatch(b *Batch) []byte {
	buf := make([]byte, 0, 128*len(b.Windows)+16)

	if b.CreatedAt != 0 {
		buf = protowire.AppendTag(buf, batchFieldCreatedAt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(b.CreatedAt))
	}

	for i := range b.Windows {
		buf = protowire.AppendTag(buf, batchFieldWindow, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeWindow(&b.Windows[i]))
	}

	return buf
}

// DecodeBatch parses a batch from protobuf wire format.
func DecodeBatch(data []byte) (*Batch, error) {
	b := &Batch{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrMalformed
		}

		data = data[n:]

		switch {
		case num == batchFieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrMalformed
			}

			b.CreatedAt = int64(v)
			data = data[n:]
		case num == batchFieldWindow && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrMalformed
			}

			w, err := decodeWindow(v)
			if err != nil {
				return nil, err
			}

			b.Windows = append(b.Windows, w)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrMalformed
			}

			data = data[n:]
		}
	}

	return b, nil
}

func encodeWindow(w *Window) []byte {
	b := make([]byte, 0, 96+len(w.Name)+len(w.DedupKey))

	if w.Name != "" {
		b = protowire.AppendTag(b, winFieldName, protowire.BytesType)
		b = protowire.AppendString(b, w.Name)
	}

	b = appendLabels(b, winFieldLabel, w.Labels)

	if w.Start != 0 {
		b = protowire.AppendTag(b, winFieldStart, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(w.Start))
	}

	if w.End != 0 {
		b = protowire.AppendTag(b, winFieldEnd, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(w.End))
	}

	b = protowire.AppendTag(b, winFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.Kind))

	if w.DedupKey != "" {
		b = protowire.AppendTag(b, winFieldDedupKey, protowire.BytesType)
		b = protowire.AppendString(b, w.DedupKey)
	}

	switch w.Kind {
	case KindCounter:
		if w.CounterSum != 0 {
			b = protowire.AppendTag(b, winFieldCounterSum, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, math.Float64bits(w.CounterSum))
		}
	case KindGauge:
		if w.GaugeValue != 0 {
			b = protowire.AppendTag(b, winFieldGaugeValue, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, math.Float64bits(w.GaugeValue))
		}

		if w.GaugeTimestamp != 0 {
			b = protowire.AppendTag(b, winFieldGaugeTime, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(w.GaugeTimestamp))
		}
	case KindHistogram:
		// Bounds and counts are packed.
		if len(w.HistBounds) > 0 {
			packed := make([]byte, 0, 8*len(w.HistBounds))
			for _, bound := range w.HistBounds {
				packed = protowire.AppendFixed64(packed, math.Float64bits(bound))
			}

			b = protowire.AppendTag(b, winFieldHistBound, protowire.BytesType)
			b = protowire.AppendBytes(b, packed)
		}

		if len(w.HistCounts) > 0 {
			packed := make([]byte, 0, 2*len(w.HistCounts))
			for _, c := range w.HistCounts {
				packed = protowire.AppendVarint(packed, c)
			}

			b = protowire.AppendTag(b, winFieldHistCount, protowire.BytesType)
			b = protowire.AppendBytes(b, packed)
		}

		if w.HistCount != 0 {
			b = protowire.AppendTag(b, winFieldHistN, protowire.VarintType)
			b = protowire.AppendVarint(b, w.HistCount)
		}

		if w.HistSum != 0 {
			b = protowire.AppendTag(b, winFieldHistSum, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, math.Float64bits(w.HistSum))
		}
	}

	return b
}

func decodeWindow(data []byte) (Window, error) {
	var w Window

	sawKind := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Window{}, ErrMalformed
		}

		data = data[n:]

		switch {
		case num == winFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.Name = v
			data = data[n:]
		case num == winFieldLabel && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			key, val, err := decodeLabel(v)
			if err != nil {
				return Window{}, err
			}

			if w.Labels == nil {
				w.Labels = make(map[string]string, 4)
			}

			w.Labels[key] = val
			data = data[n:]
		case num == winFieldStart && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.Start = int64(v)
			data = data[n:]
		case num == winFieldEnd && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.End = int64(v)
			data = data[n:]
		case num == winFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.Kind = Kind(v)
			sawKind = true
			data = data[n:]
		case num == winFieldDedupKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.DedupKey = v
			data = data[n:]
		case num == winFieldCounterSum && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.CounterSum = math.Float64frombits(v)
			data = data[n:]
		case num == winFieldGaugeValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.GaugeValue = math.Float64frombits(v)
			data = data[n:]
		case num == winFieldGaugeTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.GaugeTimestamp = int64(v)
			data = data[n:]
		case num == winFieldHistBound && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return Window{}, ErrMalformed
				}

				w.HistBounds = append(w.HistBounds, math.Float64frombits(bits))
				v = v[m:]
			}

			data = data[n:]
		case num == winFieldHistCount && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			for len(v) > 0 {
				c, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return Window{}, ErrMalformed
				}

				w.HistCounts = append(w.HistCounts, c)
				v = v[m:]
			}

			data = data[n:]
		case num == winFieldHistN && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.HistCount = v
			data = data[n:]
		case num == winFieldHistSum && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			w.HistSum = math.Float64frombits(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Window{}, ErrMalformed
			}

			data = data[n:]
		}
	}

	if !sawKind || !w.Kind.Valid() {
		return Window{}, fmt.Errorf("%w: kind %d", ErrUnknownKind, w.Kind)
	}

	return w, nil
}

// appendLabels emits one label sub-message per key, sorted so encoding
// is deterministic.
func appendLabels(b []byte, field protowire.Number, labels map[string]string) []byte {
	if len(labels) == 0 {
		return b
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		sub := make([]byte, 0, len(k)+len(labels[k])+4)
		sub = protowire.AppendTag(sub, labelFieldKey, protowire.BytesType)
		sub = protowire.AppendString(sub, k)
		sub = protowire.AppendTag(sub, labelFieldValue, protowire.BytesType)
		sub = protowire.AppendString(sub, labels[k])

		b = protowire.AppendTag(b, field, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}

	return b
}

func decodeLabel(data []byte) (key, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", ErrMalformed
		}

		data = data[n:]

		switch {
		case num == labelFieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", "", ErrMalformed
			}

			key = v
			data = data[n:]
		case num == labelFieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", "", ErrMalformed
			}

			value = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", "", ErrMalformed
			}

			data = data[n:]
		}
	}

	return key, value, nil
}
