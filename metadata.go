package treesync

import (
	"fmt"
	"strconv"
	"strings"
)

// BinaryPrefix marks metadata keys whose values are raw bytes.
const BinaryPrefix = "bin:"

// Metadata maps keys to scalar values. Values under BinaryPrefix keys are
// []byte; decoded values under other keys are strings.
type Metadata map[string]any

// EncodeMetadata converts md into the byte form stores persist. Nil values are
// dropped. Values that are neither bytes nor scalars fail with InvalidEncoding.
func EncodeMetadata(md Metadata) (map[string][]byte, error) {
	if md == nil {
		return nil, nil
	}
	out := make(map[string][]byte, len(md))
	for k, v := range md {
		if v == nil {
			continue
		}
		b, err := encodeValue(v)
		if err != nil {
			return nil, NewError(CodeInvalidEncoding, "encodeMetadata", k, err)
		}
		out[k] = b
	}
	return out, nil
}

// DecodeMetadata is the inverse of EncodeMetadata for string and byte values.
func DecodeMetadata(raw map[string][]byte) Metadata {
	if raw == nil {
		return nil
	}
	md := make(Metadata, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, BinaryPrefix) {
			md[k] = append([]byte(nil), v...)
			continue
		}
		md[k] = string(v)
	}
	return md
}

// DeletedKeys lists the keys of md set to nil.
func DeletedKeys(md Metadata) []string {
	var keys []string
	for k, v := range md {
		if v == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

func encodeValue(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case string:
		return []byte(x), nil
	case bool:
		return []byte(strconv.FormatBool(x)), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return []byte(fmt.Sprint(x)), nil
	case float32:
		return []byte(strconv.FormatFloat(float64(x), 'f', -1, 32)), nil
	case float64:
		return []byte(strconv.FormatFloat(x, 'f', -1, 64)), nil
	case fmt.Stringer:
		return []byte(x.String()), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
