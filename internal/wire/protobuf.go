// Package wire encodes the protobuf messages exchanged with the backend
// and between devices. Field numbers follow the messenger's published
// .proto schema; only the fields the sync engine needs are handled and
// unknown fields are skipped on decode.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// walk calls fn for each top-level field of a protobuf message. For
// length-delimited fields v holds the bytes, for varints x holds the
// value. Other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}

		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("reading field %d: %w", num, protowire.ParseError(n))
			}

			if err := fn(num, v, 0); err != nil {
				return err
			}

			b = b[n:]

		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("reading field %d: %w", num, protowire.ParseError(n))
			}

			if err := fn(num, nil, x); err != nil {
				return err
			}

			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}

			b = b[n:]
		}
	}

	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, v)
}

// appendMessage writes an embedded message even when it is empty, so
// presence survives the round trip.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, x uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, x)
}
