package loopback

import (
	"testing"
	"time"

	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	conn   plugin.Conn
	code   plugin.Code
	cookie any
}

func recorder() (plugin.Callback, chan event) {
	ch := make(chan event, 32)
	return func(conn plugin.Conn, code plugin.Code, _ error, cookie any) {
		ch <- event{conn: conn, code: code, cookie: cookie}
	}, ch
}

func next(t *testing.T, ch chan event) event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event{}
}

func TestLoopbackModule(t *testing.T) {
	p, err := NewFactory().Setup(&Cfg{})
	require.NoError(t, err)
	m := p.(*Module)
	defer NewFactory().Destroy(m)

	cfg, err := m.CreateConfig(1, "loop", nil, "")
	require.NoError(t, err)
	assert.Equal(t, transport.DefaultPort(1), cfg.(*transport.NetConfig).Port)

	lcb, lch := recorder()
	l, err := m.Open(cfg, lcb, false)
	require.NoError(t, err)

	_, err = m.Open(cfg, lcb, false)
	assert.ErrorIs(t, err, plugin.ErrOpenFailed, "port already taken")

	ccb, cch := recorder()
	c, err := m.Open(cfg, ccb, true)
	require.NoError(t, err)

	req := next(t, lch)
	require.Equal(t, plugin.ConnectRequest, req.code)
	assert.Equal(t, l, req.conn)

	scb, sch := recorder()
	s, err := m.Accept(l, req.cookie, scb)
	require.NoError(t, err)
	acc := next(t, sch)
	assert.Equal(t, plugin.AcceptComplete, acc.code)
	assert.Equal(t, s, acc.conn)

	require.NoError(t, m.SendDatagram(c, []byte("dgram")))
	ev := next(t, sch)
	assert.Equal(t, plugin.DatagramData, ev.code)
	buf := make([]byte, 16)
	n, err := m.ReceiveDatagram(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "dgram", string(buf[:n]))

	assert.ErrorIs(t, m.SendDatagram(c, make([]byte, 1401)), plugin.ErrTooMuchData)

	_, err = m.Send(s, []byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, plugin.StreamData, next(t, cch).code)

	require.Eventually(t, func() bool { return m.EnterNotifier(c) }, time.Second, time.Millisecond)
	assert.False(t, m.EnterNotifier(c))
	m.LeaveNotifier(c)

	require.NoError(t, m.Close(c, true))
	assert.Equal(t, plugin.CloseComplete, next(t, cch).code)
	assert.Equal(t, plugin.EndpointDied, next(t, sch).code)

	require.NoError(t, m.Close(s, false))
	require.NoError(t, m.Close(l, false))
	assert.Equal(t, plugin.CloseComplete, next(t, lch).code)

	_, err = m.Open(cfg, ccb, true)
	assert.ErrorIs(t, err, plugin.ErrOpenFailed)
}
