package plugin

import (
	"fmt"
	"time"

	"github.com/linchenxuan/openplay/utils/token"
)

// Code identifies the event delivered through a Callback.
type Code int

const (
	DatagramData Code = iota + 1
	StreamData
	FlowClear
	AcceptComplete
	HandoffComplete
	ConnectRequest
	EndpointDied
	CloseComplete
)

var codeNames = map[Code]string{
	DatagramData:    "DatagramData",
	StreamData:      "StreamData",
	FlowClear:       "FlowClear",
	AcceptComplete:  "AcceptComplete",
	HandoffComplete: "HandoffComplete",
	ConnectRequest:  "ConnectRequest",
	EndpointDied:    "EndpointDied",
	CloseComplete:   "CloseComplete",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Conn is a module owned connection or listener handle. Type must equal the
// module's type tag; the endpoint layer checks it before every call.
type Conn interface {
	Type() Type
}

// Callback receives asynchronous module events. Modules deliver the events of
// one Conn in order, from a goroutine other than the caller's.
//
// For ConnectRequest the cookie identifies the pending connection and is what
// Accept or Reject expect. For AcceptComplete it is the listener Conn.
type Callback func(conn Conn, code Code, err error, cookie any)

// Mode is the connection mode stored in a configuration.
type Mode uint32

const (
	ModeStream   Mode = 1
	ModeDatagram Mode = 2
	ModeNormal        = ModeStream | ModeDatagram
)

const (
	// EnumDataLen caps the custom enumeration payload.
	EnumDataLen = 256
	// MaxGameNameLen caps the game name, longer names are truncated.
	MaxGameNameLen = 31
	// DefaultGameName is used when a configuration carries no name.
	DefaultGameName = "unknown"
)

// CommonConfig holds the fields every module configuration carries.
type CommonConfig struct {
	Type        Type
	Version     uint32
	GameID      uint32
	GameName    string
	Mode        Mode
	NetSprocket bool
	EnumData    []byte
}

// NewCommonConfig validates the caller supplied fields and applies defaults.
func NewCommonConfig(typ Type, version, gameID uint32, gameName string, enumData []byte) (CommonConfig, error) {
	if len(enumData) > EnumDataLen {
		return CommonConfig{}, fmt.Errorf("%w: enum data is %d bytes, max %d", ErrInvalidConfig, len(enumData), EnumDataLen)
	}
	c := CommonConfig{
		Type:     typ,
		Version:  version,
		GameID:   gameID,
		GameName: clampName(gameName),
		Mode:     ModeNormal,
	}
	if len(enumData) > 0 {
		c.EnumData = append([]byte(nil), enumData...)
	}
	return c, nil
}

func clampName(s string) string {
	if s == "" {
		return DefaultGameName
	}
	if len(s) > MaxGameNameLen {
		return s[:MaxGameNameLen]
	}
	return s
}

// Encode writes the common tokens.
func (c *CommonConfig) Encode(w *token.Writer) {
	w.PutString(token.KeyType, c.Type.String())
	w.PutUint32(token.KeyVersion, c.Version)
	w.PutUint32(token.KeyGameID, c.GameID)
	w.PutString(token.KeyGameName, c.GameName)
	w.PutUint32(token.KeyMode, uint32(c.Mode))
	w.PutBool(token.KeyNetSprocket, c.NetSprocket)
	w.PutBinary(token.KeyEnumData, c.EnumData)
}

// Decode overwrites the fields present in tk and leaves the others alone.
// A type token naming another module is an error.
func (c *CommonConfig) Decode(tk token.Tokens) error {
	if s, ok := tk.String(token.KeyType); ok && MakeType(s) != c.Type {
		return fmt.Errorf("%w: config is for module %q, not %q", ErrTypeMismatch, s, c.Type)
	}
	if v, ok := tk.Uint32(token.KeyVersion); ok {
		c.Version = v
	}
	if v, ok := tk.Uint32(token.KeyGameID); ok {
		c.GameID = v
	}
	if v, ok := tk.String(token.KeyGameName); ok {
		c.GameName = clampName(v)
	}
	if v, ok := tk.Uint32(token.KeyMode); ok && Mode(v)&ModeNormal != 0 {
		c.Mode = Mode(v) & ModeNormal
	}
	if v, ok := tk.Bool(token.KeyNetSprocket); ok {
		c.NetSprocket = v
	}
	if v, ok := tk.Binary(token.KeyEnumData); ok && len(v) <= EnumDataLen {
		c.EnumData = v
	}
	return nil
}

// Config is a module owned configuration. Only the module that created it
// interprets the module specific part.
type Config interface {
	Common() *CommonConfig
	// String serializes the configuration to a token string.
	String() string
	// ClearRemote drops any bound remote address before a passive open.
	ClearRemote()
}

// Module is the full operation set a transport must provide to be bound.
type Module interface {
	Plugin
	InfoProvider

	CreateConfig(gameID uint32, gameName string, enumData []byte, configStr string) (Config, error)
	DeleteConfig(cfg Config) error

	// Open connects when active is true and listens otherwise.
	Open(cfg Config, cb Callback, active bool) (Conn, error)
	// Close begins closing conn; CloseComplete is delivered when done.
	Close(conn Conn, orderly bool) error
	// Accept hands a pending connection identified by cookie to a new Conn
	// whose events go to cb. AcceptComplete follows asynchronously.
	Accept(listener Conn, cookie any, cb Callback) (Conn, error)
	Reject(listener Conn, cookie any) error

	Send(conn Conn, data []byte) (int, error)
	Receive(conn Conn, buf []byte) (int, error)
	SendDatagram(conn Conn, data []byte) error
	ReceiveDatagram(conn Conn, buf []byte) (int, error)

	SetTimeout(conn Conn, d time.Duration) error
	IsAlive(conn Conn) bool
	Idle(conn Conn) error
	PassThrough(conn Conn, selector uint32, arg any) (any, error)

	// EnterNotifier reports false if conn's callback is running or another
	// caller is already inside; callbacks wait until LeaveNotifier.
	EnterNotifier(conn Conn) bool
	LeaveNotifier(conn Conn)
}

// Advertiser is implemented by modules that can answer enumeration requests
// for a listening Conn.
type Advertiser interface {
	StartAdvertising(conn Conn) error
	StopAdvertising(conn Conn) error
}

// EnumCode is the event kind delivered to an EnumCallback.
type EnumCode int

const (
	EnumAdd EnumCode = iota + 1
	EnumDelete
	EnumClear
)

// EnumItem is one host found by enumeration.
type EnumItem struct {
	ID         uint32
	Name       string
	CustomData []byte
}

// EnumCallback receives enumeration results.
type EnumCallback func(code EnumCode, item EnumItem)

// Enumerator is implemented by modules that can list hosts advertising a game.
type Enumerator interface {
	StartEnumeration(cfg Config, cb EnumCallback) error
	IdleEnumeration(cfg Config) error
	EndEnumeration(cfg Config) error
	// BindEnumerationItem points cfg at the host behind item id.
	BindEnumerationItem(cfg Config, id uint32) error
}

// Dialog is the optional configuration UI hook set.
type Dialog interface {
	SetupDialog(cfg Config) error
	HandleDialogEvent(cfg Config, event any) (bool, error)
	TeardownDialog(cfg Config, update bool) error
}
