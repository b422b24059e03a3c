package gpu

import "fmt"

// Code is an HRESULT-style result code returned by device, texture and
// capture backend operations. Codes compare by value, so errors.Is works
// against the exported sentinels even after wrapping.
type Code uint32

const (
	ErrWaitTimeout           Code = 0x887A0027 // DXGI_ERROR_WAIT_TIMEOUT
	ErrDeviceRemoved         Code = 0x887A0005 // DXGI_ERROR_DEVICE_REMOVED
	ErrDeviceReset           Code = 0x887A0007 // DXGI_ERROR_DEVICE_RESET
	ErrAccessLost            Code = 0x887A0026 // DXGI_ERROR_ACCESS_LOST
	ErrModeChangeInProgress  Code = 0x887A0025 // DXGI_ERROR_MODE_CHANGE_IN_PROGRESS
	ErrSessionDisconnected   Code = 0x887A0028 // DXGI_ERROR_SESSION_DISCONNECTED
	ErrNotCurrentlyAvailable Code = 0x887A0022 // DXGI_ERROR_NOT_CURRENTLY_AVAILABLE
	ErrInvalidCall           Code = 0x887A0001 // DXGI_ERROR_INVALID_CALL
	ErrUnsupported           Code = 0x887A0004 // DXGI_ERROR_UNSUPPORTED
	ErrAccessDenied          Code = 0x80070005 // E_ACCESSDENIED
	ErrAbort                 Code = 0x80004004 // E_ABORT
	ErrOutOfMemory           Code = 0x8007000E // E_OUTOFMEMORY
	ErrInvalidArg            Code = 0x80070057 // E_INVALIDARG
	ErrFail                  Code = 0x80004005 // E_FAIL
	ErrAbandoned             Code = 0x00000080 // WAIT_ABANDONED
	ErrHandleClosed          Code = 0x80070006 // E_HANDLE
)

var codeNames = map[Code]string{
	ErrWaitTimeout:           "wait timeout",
	ErrDeviceRemoved:         "device removed",
	ErrDeviceReset:           "device reset",
	ErrAccessLost:            "access lost",
	ErrModeChangeInProgress:  "mode change in progress",
	ErrSessionDisconnected:   "session disconnected",
	ErrNotCurrentlyAvailable: "not currently available",
	ErrInvalidCall:           "invalid call",
	ErrUnsupported:           "unsupported",
	ErrAccessDenied:          "access denied",
	ErrAbort:                 "operation aborted",
	ErrOutOfMemory:           "out of memory",
	ErrInvalidArg:            "invalid argument",
	ErrFail:                  "unspecified failure",
	ErrAbandoned:             "wait abandoned",
	ErrHandleClosed:          "invalid handle",
}

func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return fmt.Sprintf("%s (0x%08X)", name, uint32(c))
	}
	return fmt.Sprintf("hresult 0x%08X", uint32(c))
}

// ParseCode maps a code name ("access-lost", "device-removed", ...) or a hex
// literal ("0x887A0026") to a Code.
func ParseCode(s string) (Code, error) {
	for c, name := range codeNames {
		if s == name || s == dashed(name) {
			return c, nil
		}
	}
	var v uint32
	if _, err := fmt.Sscanf(s, "0x%X", &v); err == nil {
		return Code(v), nil
	}
	return 0, fmt.Errorf("unknown result code %q", s)
}

func dashed(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] == ' ' {
			b[i] = '-'
		}
	}
	return string(b)
}
