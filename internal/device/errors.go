package device

import "codeberg.org/mutker/thermald/internal/errors"

const (
	ErrUnknownKind     = errors.ErrorCode("device_unknown_kind")
	ErrUnknownEncoding = errors.ErrorCode("device_unknown_encoding")
	ErrEncodeLevel     = errors.ErrorCode("device_encode_level_failed")
	ErrWriteLevel      = errors.ErrorCode("device_write_failed")
	ErrRelayPin        = errors.ErrorCode("device_relay_pin_failed")
)
