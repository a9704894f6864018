package domain

import "errors"

// Configuration-authoring errors. They surface as a failed tick for the
// affected table only.
var (
	ErrUnsupportedType     = errors.New("unsupported register type")
	ErrUnknownRegisterType = errors.New("unknown register type")
	ErrUnsupportedReadKind = errors.New("unsupported read kind")
	ErrMalformedTable      = errors.New("malformed table")
	ErrUnknownMeter        = errors.New("unknown meter")
	ErrRegisterLength      = errors.New("register length out of range")
)

// Device errors. They are retried implicitly by the next scheduled tick.
var (
	ErrConnect   = errors.New("connect")
	ErrRead      = errors.New("read registers")
	ErrShortRead = errors.New("short read")
)

// IsConfigError reports whether err stems from the schema rather than the
// device.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnsupportedType) ||
		errors.Is(err, ErrUnknownRegisterType) ||
		errors.Is(err, ErrUnsupportedReadKind) ||
		errors.Is(err, ErrMalformedTable) ||
		errors.Is(err, ErrUnknownMeter) ||
		errors.Is(err, ErrRegisterLength)
}

// IsDeviceError reports whether err stems from talking to a meter.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrRead) || errors.Is(err, ErrShortRead)
}
