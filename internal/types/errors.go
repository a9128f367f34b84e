package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse error taxonomy shared by every operation and the CLI.
type ErrorKind int

const (
	Success ErrorKind = iota
	UnknownError
	ConfigError
	IOError
	DuplicateID
	MissingID
	FailureToSerialize
	FailureToDeserialize
	InvalidMedia
	BadArgument
	FailureToEnroll
	BatchAbortedEarly
	BatchFinishedWithErrors
	NotImplemented
)

var (
	ErrConfig                  = errors.New("configuration error")
	ErrIO                      = errors.New("i/o error")
	ErrDuplicateID             = errors.New("duplicate id")
	ErrMissingID               = errors.New("missing id")
	ErrFailureToSerialize      = errors.New("failure to serialize")
	ErrFailureToDeserialize    = errors.New("failure to deserialize")
	ErrInvalidMedia            = errors.New("invalid media")
	ErrBadArgument             = errors.New("bad argument")
	ErrFailureToEnroll         = errors.New("failure to enroll")
	ErrBatchAbortedEarly       = errors.New("batch aborted early")
	ErrBatchFinishedWithErrors = errors.New("batch finished with errors")
	ErrNotImplemented          = errors.New("not implemented")
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrConfig, ConfigError},
	{ErrIO, IOError},
	{ErrDuplicateID, DuplicateID},
	{ErrMissingID, MissingID},
	{ErrFailureToSerialize, FailureToSerialize},
	{ErrFailureToDeserialize, FailureToDeserialize},
	{ErrInvalidMedia, InvalidMedia},
	{ErrBadArgument, BadArgument},
	{ErrFailureToEnroll, FailureToEnroll},
	{ErrBatchAbortedEarly, BatchAbortedEarly},
	{ErrBatchFinishedWithErrors, BatchFinishedWithErrors},
	{ErrNotImplemented, NotImplemented},
}

// KindOf maps an error back onto the taxonomy. nil is Success.
func KindOf(err error) ErrorKind {
	if err == nil {
		return Success
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return UnknownError
}

func (k ErrorKind) String() string {
	switch k {
	case Success:
		return "Success"
	case UnknownError:
		return "UnknownError"
	case ConfigError:
		return "ConfigError"
	case IOError:
		return "IOError"
	case DuplicateID:
		return "DuplicateId"
	case MissingID:
		return "MissingId"
	case FailureToSerialize:
		return "FailureToSerialize"
	case FailureToDeserialize:
		return "FailureToDeserialize"
	case InvalidMedia:
		return "InvalidMedia"
	case BadArgument:
		return "BadArgument"
	case FailureToEnroll:
		return "FailureToEnroll"
	case BatchAbortedEarly:
		return "BatchAbortedEarly"
	case BatchFinishedWithErrors:
		return "BatchFinishedWithErrors"
	case NotImplemented:
		return "NotImplemented"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}
