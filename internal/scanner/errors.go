package scanner

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the capture service client. Match with errors.Is.
var (
	ErrServiceUnavailable = errors.New("fingerprint service unavailable")
	ErrCaptureTimeout     = errors.New("fingerprint capture timed out")
	ErrCaptureQuality     = errors.New("fingerprint capture quality problem")
	ErrProtocol           = errors.New("fingerprint service protocol error")
)

// codeMessages maps vendor error codes to operator-facing text.
var codeMessages = map[int]string{
	51:    "System file load failure",
	52:    "Sensor chip initialization failed",
	53:    "Device not found",
	54:    "Fingerprint image capture timeout",
	55:    "No device available",
	56:    "Driver load failed",
	57:    "Wrong image",
	58:    "Lack of bandwidth",
	59:    "Device busy",
	60:    "Cannot get serial number of the device",
	61:    "Unsupported device",
	63:    "Capture service did not start; try image capture again",
	10004: "Invalid license",
}

func kindForCode(code int) error {
	switch code {
	case 51, 52, 53, 55, 56, 61, 63, 10004:
		return ErrServiceUnavailable
	case 54:
		return ErrCaptureTimeout
	case 57:
		return ErrCaptureQuality
	default:
		return ErrProtocol
	}
}

// Error describes a failed call to the capture service.
type Error struct {
	Kind    error
	Code    int // vendor ErrorCode, zero when the failure was not reported by the device
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed. An unavailable
// service is not retryable; the kiosk should say "try later".
func (e *Error) Retryable() bool { return e.Kind != ErrServiceUnavailable }

func deviceError(code int) *Error {
	msg, ok := codeMessages[code]
	if !ok {
		msg = "Unknown error code"
	}
	return &Error{Kind: kindForCode(code), Code: code, Message: msg}
}

func unavailable(msg string, err error) *Error {
	return &Error{Kind: ErrServiceUnavailable, Message: msg, Err: err}
}

func protocol(msg string, err error) *Error {
	return &Error{Kind: ErrProtocol, Message: msg, Err: err}
}
