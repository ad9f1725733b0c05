package layout

import (
	"errors"
	"fmt"
)

// ErrFieldMissing is wrapped by Encode when a layout field has no value.
var ErrFieldMissing = errors.New("field value missing")

// Values maps field names to values. U8/U16 fields take an int, uint8 or
// uint16 (range checked), Raw fields take a []byte.
type Values map[string]any

func toUint(name string, v any, max uint64) (uint64, error) {
	var n uint64
	switch t := v.(type) {
	case int:
		if t < 0 {
			return 0, fmt.Errorf("field %q: negative value %d", name, t)
		}
		n = uint64(t)
	case uint8:
		n = uint64(t)
	case uint16:
		n = uint64(t)
	default:
		return 0, fmt.Errorf("field %q: cannot encode %T as integer", name, v)
	}
	if n > max {
		return 0, fmt.Errorf("field %q: value %#x exceeds %#x", name, n, max)
	}
	return n, nil
}

// Encode serializes a full set of field values into the byte string that,
// written starting at TransferBufStart, lands every value at exactly its
// field's address. Padding between fields is zero filled. The result is a
// pure function of the layout and the values.
func (l *Layout) Encode(values Values) ([]byte, error) {
	var buf []byte
	for _, f := range l.Fields {
		pad := int(f.Addr) - int(l.TransferBufStart) - len(buf)
		if pad < 0 {
			return nil, fmt.Errorf("field %q at %#06x overlaps already encoded data", f.Name, f.Addr)
		}
		buf = append(buf, make([]byte, pad)...)

		v, ok := values[f.Name]
		if !ok {
			return nil, fmt.Errorf("field %q: %w", f.Name, ErrFieldMissing)
		}
		switch f.Enc {
		case U8:
			n, err := toUint(f.Name, v, 0xff)
			if err != nil {
				return nil, err
			}
			buf = append(buf, byte(n))
		case U16:
			n, err := toUint(f.Name, v, 0xffff)
			if err != nil {
				return nil, err
			}
			buf = append(buf, byte(n), byte(n>>8))
		case Raw:
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("field %q: cannot encode %T as raw bytes", f.Name, v)
			}
			buf = append(buf, b...)
		default:
			return nil, fmt.Errorf("field %q: unknown encoding %d", f.Name, f.Enc)
		}
	}
	return buf, nil
}
