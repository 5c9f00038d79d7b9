package session

import (
	"errors"

	"github.com/linchenxuan/openplay/plugin"
)

var (
	ErrParam = plugin.ErrParam
	// ErrBadMessage is returned for a message that cannot be decoded.
	ErrBadMessage = errors.New("malformed message")
	// ErrGameTerminated is returned by sends on a stopped game.
	ErrGameTerminated = errors.New("game terminated")
	// ErrJoinDenied is returned by WaitForJoin when the host refused us.
	ErrJoinDenied = errors.New("join denied")
	// ErrInvalidPlayer is returned for an unknown player id.
	ErrInvalidPlayer = errors.New("invalid player id")
	// ErrInvalidGroup is returned for an unknown group id.
	ErrInvalidGroup = errors.New("invalid group id")
	// ErrCreateGroupFailed is returned when a new group id is already in use.
	ErrCreateGroupFailed = errors.New("create group failed")
	// ErrNotHost is returned by host-only operations on a client.
	ErrNotHost = errors.New("operation requires the host")
	// ErrTimeout is returned when a bounded wait runs out.
	ErrTimeout = errors.New("timed out")
)
