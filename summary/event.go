package summary

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of tensorflow.Event, tensorflow.Summary and
// tensorflow.Summary.Value that the writer emits.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

// FileVersion is written as the first event of every file.
const FileVersion = "brain.Event:2"

// Scalar is one summary record: a named value at a global step.
type Scalar struct {
	Tag   string
	Value float32
	Step  int64
}

// Event is the decoded form of one record in an event file.
type Event struct {
	WallTime    float64
	Step        int64
	FileVersion string
	Values      []Value
}

// Value is a tagged simple value inside an Event's summary.
type Value struct {
	Tag         string
	SimpleValue float32
}

func (e *Event) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(e.WallTime))
	if e.Step != 0 {
		b = protowire.AppendTag(b, eventStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Step))
	}
	if e.FileVersion != "" {
		b = protowire.AppendTag(b, eventFileVersion, protowire.BytesType)
		b = protowire.AppendString(b, e.FileVersion)
	}
	if len(e.Values) > 0 {
		var s []byte
		for _, v := range e.Values {
			var vb []byte
			vb = protowire.AppendTag(vb, valueTag, protowire.BytesType)
			vb = protowire.AppendString(vb, v.Tag)
			vb = protowire.AppendTag(vb, valueSimpleValue, protowire.Fixed32Type)
			vb = protowire.AppendFixed32(vb, math.Float32bits(v.SimpleValue))

			s = protowire.AppendTag(s, summaryValue, protowire.BytesType)
			s = protowire.AppendBytes(s, vb)
		}
		b = protowire.AppendTag(b, eventSummary, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b
}

// UnmarshalEvent decodes an Event, skipping fields it does not know.
func UnmarshalEvent(b []byte) (*Event, error) {
	e := &Event{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch {
		case num == eventWallTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(field)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.WallTime = math.Float64frombits(v)
		case num == eventStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Step = int64(v)
		case num == eventFileVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.FileVersion = v
		case num == eventSummary && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return protowire.ParseError(n)
			}
			values, err := unmarshalSummary(s)
			if err != nil {
				return err
			}
			e.Values = append(e.Values, values...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

func unmarshalSummary(b []byte) ([]Value, error) {
	var values []Value
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		if num != summaryValue || typ != protowire.BytesType {
			return nil
		}
		vb, n := protowire.ConsumeBytes(field)
		if n < 0 {
			return protowire.ParseError(n)
		}
		var v Value
		err := walkFields(vb, func(num protowire.Number, typ protowire.Type, field []byte) error {
			switch {
			case num == valueTag && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(field)
				if n < 0 {
					return protowire.ParseError(n)
				}
				v.Tag = s
			case num == valueSimpleValue && typ == protowire.Fixed32Type:
				f, n := protowire.ConsumeFixed32(field)
				if n < 0 {
					return protowire.ParseError(n)
				}
				v.SimpleValue = math.Float32frombits(f)
			}
			return nil
		})
		if err != nil {
			return err
		}
		values = append(values, v)
		return nil
	})
	return values, err
}

// walkFields calls fn with each field's number, wire type and the bytes
// holding its value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, field []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}
