package plugin

import "errors"

// Errors shared by the registry, the endpoint layer and every module.
var (
	ErrParam              = errors.New("parameter error")
	ErrBadState           = errors.New("operation invalid in current state")
	ErrTooMuchData        = errors.New("data exceeds max packet size")
	ErrNoData             = errors.New("no data available")
	ErrFlowBlocked        = errors.New("send queue is full")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrUnknownPassThrough = errors.New("unknown pass-through selector")
	ErrTypeMismatch       = errors.New("module type mismatch")
	ErrFunctionNotBound   = errors.New("module function not bound")
	ErrModuleNotFound     = errors.New("module not found")
	ErrNoMoreModules      = errors.New("no more modules")
	ErrMissingEntryPoint  = errors.New("module is missing a required entry point")
	ErrTimeout            = errors.New("operation timed out")
	ErrOpenFailed         = errors.New("open failed")
	ErrNotSupported       = errors.New("operation not supported by module")
	ErrConfigDecode       = errors.New("config decode error")
	ErrFactorySetup       = errors.New("factory setup error")
	ErrInvalidManifest    = errors.New("invalid module manifest")
)
