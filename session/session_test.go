package session

import (
	"context"
	"testing"
	"time"

	"github.com/linchenxuan/openplay/network/transport/loopback"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionContext(t *testing.T) *protocol.Context {
	t.Helper()
	m := plugin.NewManager("")
	m.RegisterFactory(loopback.NewFactory())
	ctx := protocol.NewContext(m, 4)
	t.Cleanup(ctx.Shutdown)
	return ctx
}

func gameConfig(t *testing.T, ctx *protocol.Context, gameID uint32) *protocol.Config {
	t.Helper()
	cfg, err := ctx.CreateConfig(loopback.ModuleType, gameID, "arena", nil, "")
	require.NoError(t, err)
	return cfg
}

func startHost(t *testing.T, ctx *protocol.Context, gameID uint32, hcfg *HostCfg) *Host {
	t.Helper()
	h, err := NewHost(ctx, gameConfig(t, ctx, gameID), hcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func dial(t *testing.T, ctx *protocol.Context, gameID uint32, name, password string) (*Client, error) {
	t.Helper()
	c, err := Join(ctx, gameConfig(t, ctx, gameID), &JoinCfg{Name: name, Password: password})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c, c.WaitForJoin(wctx)
}

func join(t *testing.T, ctx *protocol.Context, gameID uint32, name, password string) *Client {
	t.Helper()
	c, err := dial(t, ctx, gameID, name, password)
	require.NoError(t, err)
	return c
}

// waitMessage pulls messages off g until one of the given kind shows up.
// Messages of other kinds are freed.
func waitMessage(t *testing.T, g *Game, what What) *Message {
	t.Helper()
	var found *Message
	require.Eventually(t, func() bool {
		for m := g.MessageGet(); m != nil; m = g.MessageGet() {
			if m.What == what {
				found = m
				return true
			}
			g.FreeMessage(m)
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "waiting for %s", what)
	return found
}

func TestHostedGame(t *testing.T) {
	const gameID = 7101
	ctx := newSessionContext(t)
	host := startHost(t, ctx, gameID, &HostCfg{GameName: "arena", Password: "pw", PlayerName: "Host", MaxPlayers: 3})
	require.Equal(t, PlayerID(1), host.MyID())

	alice := join(t, ctx, gameID, "Alice", "pw")
	assert.Equal(t, PlayerID(2), alice.MyID())
	assert.Equal(t, "arena", alice.Info().Name)
	assert.Equal(t, 2, alice.Info().CurrentPlayers)
	assert.Equal(t, 2, host.Info().CurrentPlayers)

	m := waitMessage(t, host.Game, PlayerJoined)
	joined, err := m.PlayerJoined()
	require.NoError(t, err)
	assert.Equal(t, "Alice", joined.Player.Name)
	assert.Equal(t, uint32(2), joined.PlayerCount)
	host.FreeMessage(m)

	t.Run("HostOnlyAndDirect", func(t *testing.T) {
		require.NoError(t, alice.Send(HostOnly, 100, []byte("ping"), SendRegistered))
		m := waitMessage(t, host.Game, 100)
		assert.Equal(t, PlayerID(2), m.From)
		assert.Equal(t, "ping", string(m.Data))
		host.FreeMessage(m)

		require.NoError(t, host.Send(2, 101, []byte("pong"), SendNormal))
		m = waitMessage(t, alice.Game, 101)
		assert.Equal(t, PlayerID(1), m.From)
		assert.Equal(t, "pong", string(m.Data))
		alice.FreeMessage(m)
	})

	bob := join(t, ctx, gameID, "Bob", "pw")
	assert.Equal(t, PlayerID(3), bob.MyID())
	assert.Equal(t, 3, bob.Info().CurrentPlayers)
	m = waitMessage(t, alice.Game, PlayerJoined)
	joined, err = m.PlayerJoined()
	require.NoError(t, err)
	assert.Equal(t, PlayerID(3), joined.Player.ID)
	alice.FreeMessage(m)

	t.Run("Broadcast", func(t *testing.T) {
		require.NoError(t, bob.Send(AllPlayers, 102, []byte("hello"), SendRegistered))
		m := waitMessage(t, alice.Game, 102)
		assert.Equal(t, PlayerID(3), m.From)
		alice.FreeMessage(m)
		host.FreeMessage(waitMessage(t, host.Game, 102))
	})

	t.Run("Groups", func(t *testing.T) {
		gid, err := alice.GroupCreate()
		require.NoError(t, err)
		assert.Equal(t, FirstGroupID-GroupIDBlock, gid, "first joiner gets the first block")
		require.Eventually(t, func() bool {
			_, err := bob.GroupInfo(gid)
			return err == nil
		}, 5*time.Second, 5*time.Millisecond)

		require.NoError(t, alice.GroupAddPlayer(gid, 3))
		require.Eventually(t, func() bool {
			return len(bob.FillInGroups(3)) == 1 && len(host.FillInGroups(3)) == 1
		}, 5*time.Second, 5*time.Millisecond)

		require.NoError(t, alice.Send(gid, 103, []byte("team"), SendRegistered))
		m := waitMessage(t, bob.Game, 103)
		assert.Equal(t, PlayerID(2), m.From)
		bob.FreeMessage(m)

		require.NoError(t, bob.Send(gid, 104, nil, SendSelf|SendRegistered))
		bob.FreeMessage(waitMessage(t, bob.Game, 104))
		time.Sleep(50 * time.Millisecond)
		for m := bob.MessageGet(); m != nil; m = bob.MessageGet() {
			assert.NotEqual(t, What(104), m.What, "delivered to self more than once")
			bob.FreeMessage(m)
		}
	})

	t.Run("PauseResume", func(t *testing.T) {
		assert.ErrorIs(t, alice.Pause(), ErrNotHost)
		require.NoError(t, host.Pause())
		require.Eventually(t, func() bool { return alice.State() == Paused }, 5*time.Second, 5*time.Millisecond)
		require.NoError(t, host.Resume())
		require.Eventually(t, func() bool { return alice.State() == Running }, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("Denied", func(t *testing.T) {
		c, err := dial(t, ctx, gameID, "Mallory", "guess")
		require.ErrorIs(t, err, ErrJoinDenied)
		m := waitMessage(t, c.Game, JoinDenied)
		reason, err := m.JoinDenied()
		require.NoError(t, err)
		assert.Equal(t, "incorrect password", reason)
		assert.Equal(t, Stopped, c.State())

		_, err = dial(t, ctx, gameID, "Carol", "pw")
		assert.ErrorIs(t, err, ErrJoinDenied, "game is full")
		assert.Equal(t, 3, host.Info().CurrentPlayers)
	})

	t.Run("Leave", func(t *testing.T) {
		require.NoError(t, bob.Close())
		m := waitMessage(t, alice.Game, PlayerLeft)
		left, err := m.PlayerLeft()
		require.NoError(t, err)
		assert.Equal(t, PlayerID(3), left.Player)
		assert.Equal(t, "Bob", left.Name)
		alice.FreeMessage(m)
		require.Eventually(t, func() bool { return host.Info().CurrentPlayers == 2 }, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, 2, alice.Info().CurrentPlayers)
	})

	t.Run("Terminate", func(t *testing.T) {
		require.NoError(t, host.Close())
		alice.FreeMessage(waitMessage(t, alice.Game, GameTerminated))
		assert.Equal(t, Stopped, alice.State())
		assert.ErrorIs(t, alice.Send(1, 105, nil, SendNormal), ErrGameTerminated)
		assert.Empty(t, host.Players())
	})
}

func TestDedicatedHost(t *testing.T) {
	const gameID = 7102
	ctx := newSessionContext(t)
	host := startHost(t, ctx, gameID, &HostCfg{})
	assert.Equal(t, HostOnly, host.MyID())
	assert.Equal(t, DefaultGameName, host.Info().Name)

	alice := join(t, ctx, gameID, "Alice", "")
	assert.Equal(t, PlayerID(1), alice.MyID())
	assert.Equal(t, 1, alice.Info().CurrentPlayers)

	require.NoError(t, alice.Send(AllPlayers, 200, nil, SendRegistered))
	host.FreeMessage(waitMessage(t, host.Game, 200))

	require.NoError(t, host.RemovePlayer(1))
	require.Eventually(t, func() bool { return alice.State() == Stopped }, 5*time.Second, 5*time.Millisecond)
	alice.FreeMessage(waitMessage(t, alice.Game, GameTerminated))
	assert.ErrorIs(t, host.RemovePlayer(1), ErrInvalidPlayer)
}
