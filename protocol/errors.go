package protocol

import (
	"errors"

	"github.com/linchenxuan/openplay/plugin"
)

// ErrInvalidEndpoint is returned for a nil endpoint or one whose cookie shows
// it has been closed.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// ErrInvalidConfigRef is returned for a nil or disposed configuration.
var ErrInvalidConfigRef = errors.New("invalid configuration reference")

// Module errors surfaced unchanged by this package.
var (
	ErrParam            = plugin.ErrParam
	ErrBadState         = plugin.ErrBadState
	ErrTooMuchData      = plugin.ErrTooMuchData
	ErrNoData           = plugin.ErrNoData
	ErrTypeMismatch     = plugin.ErrTypeMismatch
	ErrFunctionNotBound = plugin.ErrFunctionNotBound
	ErrModuleNotFound   = plugin.ErrModuleNotFound
)
