package profileblock

import "errors"

var (
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidImportFormat = errors.New("invalid import format")
	ErrDeliveryFailure     = errors.New("delivery failure")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidSettings     = errors.New("invalid settings")
	ErrNotImplemented      = errors.New("not implemented")
	ErrTabNotFound         = errors.New("tab not found")
)
