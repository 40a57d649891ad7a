package he

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one decoded protobuf field: either a length-delimited payload or
// a varint.
type field struct {
	num    protowire.Number
	bytes  []byte
	varint uint64
}

// decodeFields walks a protobuf message without a schema. Only bytes and
// varint fields are used by the formats in this package.
func decodeFields(data []byte) ([]field, error) {
	var fields []field
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		f := field{num: num}
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(m))
			}
			f.bytes = v
			n = m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(m))
			}
			f.varint = v
			n = m
		default:
			return nil, fmt.Errorf("unexpected wire type %d for field %d", typ, num)
		}
		data = data[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
