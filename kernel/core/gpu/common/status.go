package common

import "errors"

// Status is the code returned across the client boundary.
type Status int32

const (
	StatusOK                Status = 0
	StatusProtocolError     Status = -1
	StatusNotFound          Status = -2
	StatusOutOfMemory       Status = -3
	StatusResourceExhausted Status = -4
	StatusQueueFull         Status = -5
	StatusBanned            Status = -6
	StatusInvalidArgument   Status = -7
	StatusBusy              Status = -8
	StatusNotReady          Status = -9
	StatusNoWork            Status = -10
	StatusInternal          Status = -99
)

var statusByCode = map[string]Status{
	ErrCodeProtocol:          StatusProtocolError,
	ErrCodeNotFound:          StatusNotFound,
	ErrCodeOutOfMemory:       StatusOutOfMemory,
	ErrCodeResourceExhausted: StatusResourceExhausted,
	ErrCodeQueueFull:         StatusQueueFull,
	ErrCodeBanned:            StatusBanned,
	ErrCodeInvalidArgument:   StatusInvalidArgument,
	ErrCodeBusy:              StatusBusy,
	ErrCodeNotReady:          StatusNotReady,
	ErrCodeNoWork:            StatusNoWork,
}

// StatusOf maps an operation result to its client status code.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var driverErr *Error
	if errors.As(err, &driverErr) {
		if status, ok := statusByCode[driverErr.Code]; ok {
			return status
		}
	}
	return StatusInternal
}

func (s Status) String() string {
	for code, status := range statusByCode {
		if status == s {
			return code
		}
	}
	switch s {
	case StatusOK:
		return "OK"
	default:
		return "INTERNAL"
	}
}
