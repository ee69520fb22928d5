package device

import (
	"encoding/binary"
	"strconv"
	"strings"

	"codeberg.org/mutker/thermald/internal/errors"
)

// Encoding selects how a level-table entry is turned into node bytes.
type Encoding int

const (
	EncodingInteger Encoding = iota
	EncodingHex
	EncodingString
	EncodingBinary
)

const binaryWidth = 4

func (e Encoding) String() string {
	switch e {
	case EncodingHex:
		return "hex"
	case EncodingString:
		return "string"
	case EncodingBinary:
		return "bin"
	default:
		return "int"
	}
}

// ParseEncoding maps a configured level_type onto an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(name) {
	case "int", "integer":
		return EncodingInteger, nil
	case "hex":
		return EncodingHex, nil
	case "string", "str":
		return EncodingString, nil
	case "bin", "binary":
		return EncodingBinary, nil
	}

	return EncodingInteger, errors.New().WithData(ErrUnknownEncoding, name)
}

// DetectEncoding guesses the encoding from the first table entry: a quoted
// value is a string, 0x is hex, 0b is raw binary and anything else that is
// not a number is a string.
func DetectEncoding(levels []string) Encoding {
	if len(levels) == 0 {
		return EncodingInteger
	}

	first := strings.TrimSpace(levels[0])
	switch {
	case strings.HasPrefix(first, `"`):
		return EncodingString
	case strings.HasPrefix(first, "0x"), strings.HasPrefix(first, "0X"):
		return EncodingHex
	case strings.HasPrefix(first, "0b"), strings.HasPrefix(first, "0B"):
		return EncodingBinary
	}

	if _, err := strconv.ParseInt(first, 10, 64); err != nil {
		return EncodingString
	}

	return EncodingInteger
}

// Encode renders one level-table entry as the bytes written to the node.
func Encode(enc Encoding, raw string) ([]byte, error) {
	errFactory := errors.New()
	raw = strings.TrimSpace(raw)

	switch enc {
	case EncodingInteger:
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errFactory.Wrap(ErrEncodeLevel, err)
		}
		return []byte(strconv.FormatInt(value, 10)), nil

	case EncodingHex:
		digits := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
		if _, err := strconv.ParseUint(digits, 16, 64); err != nil {
			return nil, errFactory.Wrap(ErrEncodeLevel, err)
		}
		return []byte(digits), nil

	case EncodingString:
		return []byte(strings.Trim(raw, `"`)), nil

	case EncodingBinary:
		value, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			return nil, errFactory.Wrap(ErrEncodeLevel, err)
		}
		buf := make([]byte, binaryWidth)
		//nolint:gosec // G115: raw binary nodes take the low 32 bits
		binary.LittleEndian.PutUint32(buf, uint32(value))
		return buf, nil
	}

	return nil, errFactory.WithData(ErrUnknownEncoding, int(enc))
}

// EncodeTable encodes every entry of a level table.
func EncodeTable(enc Encoding, levels []string) ([][]byte, error) {
	table := make([][]byte, 0, len(levels))
	for i, raw := range levels {
		value, err := Encode(enc, raw)
		if err != nil {
			return nil, errors.New().Wrap(ErrEncodeLevel, err).WithData(struct {
				Level int
				Value string
			}{
				Level: i,
				Value: raw,
			})
		}
		table = append(table, value)
	}

	return table, nil
}
