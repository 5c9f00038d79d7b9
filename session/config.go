package session

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultGameName names a hosted game that was given no name.
	DefaultGameName = "Untitled Game"
	// QGrowthSize is the batch by which the free and cookie queues grow.
	QGrowthSize = 20
	// StandardMessageSize is the buffer size of the free queue.
	StandardMessageSize = 1024
	// MaxMessageSize bounds a single inbound message.
	MaxMessageSize = 1 << 20
	// GroupIDBlock is the size of the group id range handed to each joiner.
	GroupIDBlock = 1 << 16
)

// GameCfg holds the settings shared by hosts and clients.
type GameCfg struct {
	StandardMessageSize int `mapstructure:"standardMessageSize"`
	MaxMessageSize      int `mapstructure:"maxMessageSize"`
	QGrowthSize         int `mapstructure:"qGrowthSize"`
	// DisconnectTimeoutMs bounds the wait for an orderly disconnect.
	DisconnectTimeoutMs int `mapstructure:"disconnectTimeoutMs"`
}

// Validate fills defaults.
func (c *GameCfg) Validate() error {
	if c.StandardMessageSize <= 0 {
		c.StandardMessageSize = StandardMessageSize
	}
	if c.StandardMessageSize < HeaderSize {
		return fmt.Errorf("standard message size %d is below the header size", c.StandardMessageSize)
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = MaxMessageSize
	}
	if c.MaxMessageSize < c.StandardMessageSize {
		return fmt.Errorf("max message size %d is below the standard size %d", c.MaxMessageSize, c.StandardMessageSize)
	}
	if c.QGrowthSize <= 0 {
		c.QGrowthSize = QGrowthSize
	}
	if c.DisconnectTimeoutMs <= 0 {
		c.DisconnectTimeoutMs = 5000
	}
	return nil
}

func (c *GameCfg) disconnectTimeout() time.Duration {
	return time.Duration(c.DisconnectTimeoutMs) * time.Millisecond
}

// HostCfg configures a hosted game.
type HostCfg struct {
	GameCfg `mapstructure:",squash"`

	GameName string `mapstructure:"gameName"`
	Password string `mapstructure:"password"`
	// MaxPlayers caps the player count, zero means unlimited.
	MaxPlayers int `mapstructure:"maxPlayers"`
	// PlayerName makes the host a player too. Empty runs a dedicated host.
	PlayerName string `mapstructure:"playerName"`
	PlayerType uint32 `mapstructure:"playerType"`
	// Advertise answers enumeration requests while hosting.
	Advertise bool         `mapstructure:"advertise"`
	RecvLimit RecvLimitCfg `mapstructure:"recvLimit"`
}

// Validate fills defaults.
func (c *HostCfg) Validate() error {
	if err := c.GameCfg.Validate(); err != nil {
		return err
	}
	if c.GameName == "" {
		c.GameName = DefaultGameName
	}
	if len(c.GameName) > NameLen-1 {
		c.GameName = c.GameName[:NameLen-1]
	}
	if c.MaxPlayers < 0 {
		return fmt.Errorf("max players must be non-negative, got %d", c.MaxPlayers)
	}
	return c.RecvLimit.Validate()
}

// JoinCfg configures a client joining a hosted game.
type JoinCfg struct {
	GameCfg `mapstructure:",squash"`

	Name       string `mapstructure:"name"`
	Password   string `mapstructure:"password"`
	Type       uint32 `mapstructure:"type"`
	CustomData []byte `mapstructure:"customData"`
}

// Validate fills defaults. A player name is required.
func (c *JoinCfg) Validate() error {
	if err := c.GameCfg.Validate(); err != nil {
		return err
	}
	if c.Name == "" {
		return errors.New("player name is required to join")
	}
	if HeaderSize+8+DigestLen+NameLen+len(c.CustomData) > c.MaxMessageSize {
		return fmt.Errorf("join custom data is %d bytes, too large", len(c.CustomData))
	}
	return nil
}
