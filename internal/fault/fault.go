package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller is expected to react to it
type Kind int

const (
	// KindDevice covers camera, motion sensor and speaker failures (log, mark degraded)
	KindDevice Kind = iota
	// KindNetwork covers timeouts, refused connections and non-2xx responses (retry per policy)
	KindNetwork
	// KindData covers empty frames, encode failures and malformed payloads (abort the unit of work)
	KindData
	// KindConfig covers missing device id, server address or credentials (abort the operation)
	KindConfig
)

// Sentinels for errors.Is matching
var (
	ErrDevice  = errors.New("device fault")
	ErrNetwork = errors.New("network fault")
	ErrData    = errors.New("data fault")
	ErrConfig  = errors.New("config fault")
)

// String returns the lower-case kind name used in logs
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindNetwork:
		return "network"
	case KindData:
		return "data"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindDevice:
		return ErrDevice
	case KindNetwork:
		return ErrNetwork
	case KindData:
		return ErrData
	case KindConfig:
		return ErrConfig
	default:
		return nil
	}
}

// Error is a classified failure of a named operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s fault", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s fault: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, fault.ErrNetwork) match any Error of that kind
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Device wraps err as a device fault
func Device(op string, err error) error {
	return &Error{Kind: KindDevice, Op: op, Err: err}
}

// Network wraps err as a network fault
func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Data wraps err as a data fault
func Data(op string, err error) error {
	return &Error{Kind: KindData, Op: op, Err: err}
}

// Config wraps err as a config fault
func Config(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// KindOf returns the kind of the first Error in err's chain
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
