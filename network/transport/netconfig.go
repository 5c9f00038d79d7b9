package transport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/utils/token"
)

// Host/port token keys.
const (
	KeyAddr = "IPaddr"
	KeyPort = "IPport"
)

// DefaultHost is the host used when a configuration names none.
const DefaultHost = "127.0.0.1"

const (
	minPort = 1024
	maxPort = 32760
)

// DefaultPort derives a stable port from a game id.
func DefaultPort(gameID uint32) uint16 {
	return uint16(gameID%(maxPort-minPort) + minPort)
}

// NetConfig is the configuration of the host/port based modules.
type NetConfig struct {
	plugin.CommonConfig
	Host string
	Port uint16
}

// NewNetConfig builds defaults from the caller's fields and then applies
// every token present in configStr.
func NewNetConfig(typ plugin.Type, version, gameID uint32, gameName string, enumData []byte, configStr string) (*NetConfig, error) {
	common, err := plugin.NewCommonConfig(typ, version, gameID, gameName, enumData)
	if err != nil {
		return nil, err
	}
	c := &NetConfig{CommonConfig: common, Host: DefaultHost, Port: DefaultPort(gameID)}
	if configStr == "" {
		return c, nil
	}

	tk, err := token.Parse(configStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugin.ErrInvalidConfig, err)
	}
	if err := c.CommonConfig.Decode(tk); err != nil {
		return nil, err
	}
	if _, ok := tk.Uint32(token.KeyGameID); ok {
		c.Port = DefaultPort(c.GameID)
	}
	if h, ok := tk.String(KeyAddr); ok && h != "" {
		c.Host = h
	}
	if p, ok := tk.Uint32(KeyPort); ok && p > 0 && p <= 0xffff {
		c.Port = uint16(p)
	}
	return c, nil
}

// Common implements plugin.Config.
func (c *NetConfig) Common() *plugin.CommonConfig { return &c.CommonConfig }

// ClearRemote resets the host so a passive open binds every interface.
func (c *NetConfig) ClearRemote() { c.Host = "" }

// Address returns host:port.
func (c *NetConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// String implements plugin.Config.
func (c *NetConfig) String() string {
	var w token.Writer
	c.CommonConfig.Encode(&w)
	w.PutString(KeyAddr, c.Host)
	w.PutUint32(KeyPort, uint32(c.Port))
	return w.String()
}
