package kcp

import (
	"net"
	"testing"
	"time"

	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/protocol"
	"github.com/linchenxuan/openplay/utils/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	code   plugin.Code
	cookie any
}

func recorder() (protocol.Callback, chan event) {
	ch := make(chan event, 64)
	return func(_ *protocol.Endpoint, code plugin.Code, _ error, cookie any, _ any) {
		ch <- event{code: code, cookie: cookie}
	}, ch
}

func waitFor(t *testing.T, ch chan event, code plugin.Code) event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.code == code {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", code)
		}
	}
}

func TestCfgValidate(t *testing.T) {
	cfg := &Cfg{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(30), cfg.IdleTimeout)
	assert.Equal(t, 1350, cfg.MTU)

	bad := &Cfg{DataShards: -1}
	assert.Error(t, bad.Validate())
}

func TestKCPStream(t *testing.T) {
	pick, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint32(pick.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, pick.Close())

	m := plugin.NewManager("")
	m.RegisterFactory(NewFactory())
	ctx := protocol.NewContext(m, 0)
	t.Cleanup(ctx.Shutdown)

	var w token.Writer
	w.PutString(transport.KeyAddr, "127.0.0.1")
	w.PutUint32(transport.KeyPort, port)

	hostCfg, err := ctx.CreateConfig(ModuleType, 3, "kcp", nil, w.String())
	require.NoError(t, err)
	joinCfg, err := ctx.CreateConfig(ModuleType, 3, "kcp", nil, w.String())
	require.NoError(t, err)

	lcb, lch := recorder()
	listener, err := ctx.Open(hostCfg, lcb, nil, false)
	require.NoError(t, err)
	ccb, cch := recorder()
	client, err := ctx.Open(joinCfg, ccb, nil, true)
	require.NoError(t, err)

	req := waitFor(t, lch, plugin.ConnectRequest)
	scb, sch := recorder()
	server, err := ctx.AcceptConnection(listener, req.cookie, scb, nil)
	require.NoError(t, err)
	waitFor(t, sch, plugin.AcceptComplete)

	_, err = client.Send([]byte("over kcp"))
	require.NoError(t, err)
	waitFor(t, sch, plugin.StreamData)
	buf := make([]byte, 32)
	n, err := server.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "over kcp", string(buf[:n]))

	assert.ErrorIs(t, client.SendDatagram([]byte("x")), plugin.ErrNotSupported)

	require.NoError(t, client.Close(true))
	waitFor(t, cch, plugin.CloseComplete)
	waitFor(t, sch, plugin.EndpointDied)
}
