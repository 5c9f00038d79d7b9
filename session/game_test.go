package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linchenxuan/openplay/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOwner struct {
	mu     sync.Mutex
	msgs   [][]byte
	system [][]byte
}

func (o *recordingOwner) sendMessage(h Header, body []byte, _ SendFlags) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, encodeMessage(h, body))
	return nil
}

func (o *recordingOwner) sendSystem(msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.system = append(o.system, msg)
	return nil
}

func newTestGame(t *testing.T) (*Game, *recordingOwner) {
	t.Helper()
	cfg := GameCfg{}
	require.NoError(t, cfg.Validate())
	g := newGame(cfg, "test")
	o := &recordingOwner{}
	g.owner = o
	return g, o
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := JoinCfg{Name: "Alice"}
	require.NoError(t, cfg.Validate())
	c := &Client{cfg: cfg, joined: make(chan struct{})}
	c.Game = newGame(cfg.GameCfg, "test")
	c.Game.owner = c
	c.host = newPeer(c.Game, c)
	return c
}

func inbound(g *Game, msg []byte, received uint32) *ERObject {
	e := g.q.getFree(len(msg))
	copy(e.buf.Bytes(), msg)
	e.received = received
	e.registered = true
	return e
}

func groupMsg(what What, gid GroupID, b uint32) (Header, []byte) {
	return Header{What: what, To: AllPlayers}, (&PairBody{A: int32(gid), B: b}).encode()
}

func TestClockDifferential(t *testing.T) {
	// sent 100, received 250, host received 180 and spent 20 before replying
	assert.Equal(t, int32(15), clockDifferential(100, 250, 180, 200))
	assert.Equal(t, int32(0), clockDifferential(0, 0, 0, 0))
	// rtt 40, host clock 50 behind the send time
	assert.Equal(t, int32(-70), clockDifferential(100, 140, 50, 50))
}

func TestQueues(t *testing.T) {
	q := newQueues(64, QGrowthSize)
	require.Equal(t, QGrowthSize, q.free.Len())
	require.Equal(t, 0, q.cookie.Len())

	t.Run("GrowsInBatches", func(t *testing.T) {
		var taken []*ERObject
		for i := 0; i <= QGrowthSize; i++ {
			taken = append(taken, q.getFree(10))
		}
		assert.Equal(t, QGrowthSize-1, q.free.Len())
		for _, e := range taken {
			assert.Equal(t, 64, e.MaxLen())
			q.release(e)
		}
		assert.Equal(t, 2*QGrowthSize, q.free.Len())
	})

	t.Run("Oversized", func(t *testing.T) {
		free := q.free.Len()
		e := q.getFree(100)
		assert.Equal(t, 100, e.MaxLen())
		assert.False(t, e.buf.Fixed())
		assert.Equal(t, free, q.free.Len())
		assert.Equal(t, QGrowthSize-1, q.cookie.Len())

		q.release(e)
		assert.Equal(t, QGrowthSize, q.cookie.Len())
		assert.Nil(t, e.buf)
	})

	t.Run("ExtractAndFree", func(t *testing.T) {
		free, cookie := q.free.Len(), q.cookie.Len()
		e := q.getFree(10)
		buf := q.extract(e)
		assert.Equal(t, free-1, q.free.Len())
		assert.Equal(t, cookie+1, q.cookie.Len())

		q.freeMessage(buf)
		assert.Equal(t, free, q.free.Len())
		assert.Equal(t, cookie, q.cookie.Len())

		big := q.getFree(500)
		q.freeMessage(q.extract(big))
		assert.Equal(t, free, q.free.Len(), "oversized buffers are not recycled")
	})
}

func TestGroups(t *testing.T) {
	g, o := newTestGame(t)
	for id := PlayerID(1); id <= 3; id++ {
		require.True(t, g.addPlayer(PlayerInfo{ID: id, Name: "p"}, nil))
	}
	assert.False(t, g.addPlayer(PlayerInfo{ID: 2}, nil), "duplicate id")

	for _, gid := range []GroupID{-2, -3} {
		h, body := groupMsg(createGroup, gid, 1)
		require.True(t, g.applyGroupMessage(h, body))
	}
	for _, m := range []struct {
		gid GroupID
		id  PlayerID
	}{{-2, 1}, {-2, 2}, {-3, 2}, {-3, 3}} {
		h, body := groupMsg(addPlayerToGroup, m.gid, uint32(m.id))
		require.True(t, g.applyGroupMessage(h, body))
	}

	t.Run("FillInGroups", func(t *testing.T) {
		assert.Equal(t, []GroupID{-2, -3}, g.FillInGroups(2))
		assert.Equal(t, []GroupID{-2}, g.FillInGroups(1))
		assert.Equal(t, []GroupID{-3}, g.FillInGroups(3))
		assert.Empty(t, g.FillInGroups(9))

		info, err := g.PlayerInfo(2)
		require.NoError(t, err)
		assert.Equal(t, []GroupID{-2, -3}, info.Groups)
	})

	t.Run("CreateNeverCollides", func(t *testing.T) {
		id, err := g.GroupCreate()
		require.NoError(t, err)
		assert.Equal(t, GroupID(-4), id)
		id2, err := g.GroupCreate()
		require.NoError(t, err)
		assert.Equal(t, GroupID(-5), id2)
		for _, p := range g.Players() {
			assert.NotEqual(t, id, p.ID)
		}
		assert.Len(t, o.system, 2)
		assert.Equal(t, 4, g.Info().CurrentGroups)
	})

	t.Run("Validation", func(t *testing.T) {
		assert.ErrorIs(t, g.GroupDelete(-99), ErrInvalidGroup)
		assert.ErrorIs(t, g.GroupAddPlayer(-2, 42), ErrInvalidPlayer)
		assert.ErrorIs(t, g.ChangePlayerType(42, 1), ErrInvalidPlayer)
		h, body := groupMsg(addPlayerToGroup, -77, 1)
		assert.False(t, g.applyGroupMessage(h, body))
	})

	t.Run("RemovePlayerLeavesGroups", func(t *testing.T) {
		removed := g.removePlayer(2)
		require.Len(t, removed, 1)
		assert.Empty(t, g.FillInGroups(2))
		gi, err := g.GroupInfo(-2)
		require.NoError(t, err)
		assert.Equal(t, []PlayerID{1}, gi.Players)
		assert.Equal(t, 2, g.Info().CurrentPlayers)

		g.removePlayer(AllPlayers)
		assert.Empty(t, g.Players())
	})
}

func TestGroupNotifications(t *testing.T) {
	g, _ := newTestGame(t)
	var seen []What
	g.InstallAsyncMessageHandler(func(_ *Game, m *Message) bool {
		seen = append(seen, m.What)
		return true
	})
	h, body := groupMsg(createGroup, -2, 0)
	require.True(t, g.applyGroupMessage(h, body))
	require.True(t, g.applyGroupMessage(h, body), "recreating an existing group is accepted")
	h, body = groupMsg(deleteGroup, -2, 0)
	require.True(t, g.applyGroupMessage(h, body))

	assert.Equal(t, []What{GroupCreated, GroupDeleted}, seen)
	_, _, events := g.QState()
	assert.Zero(t, events, "group changes are never queued")
}

func TestState(t *testing.T) {
	g, _ := newTestGame(t)
	assert.Equal(t, Running, g.State())
	assert.True(t, g.setState(Paused))
	assert.False(t, g.setState(Paused))
	assert.True(t, g.setState(Running))
	assert.True(t, g.setState(Stopped))
	assert.False(t, g.setState(Running), "stopped is final")
	assert.Equal(t, Stopped, g.State())
	assert.ErrorIs(t, g.Send(1, 5, nil, SendNormal), ErrGameTerminated)
}

func TestSendValidation(t *testing.T) {
	g, o := newTestGame(t)
	assert.ErrorIs(t, g.Send(1, JoinRequest, nil, SendNormal), ErrParam)
	assert.ErrorIs(t, g.Send(1, 5, make([]byte, g.cfg.MaxMessageSize), SendNormal), plugin.ErrTooMuchData)

	require.NoError(t, g.Send(2, 5, []byte("a"), SendNormal))
	require.NoError(t, g.Send(2, 5, []byte("b"), SendNormal))
	require.Len(t, o.msgs, 2)
	h1, h2 := readHeader(o.msgs[0], wireOrder), readHeader(o.msgs[1], wireOrder)
	assert.Equal(t, uint32(1), h1.ID)
	assert.Equal(t, uint32(2), h2.ID)
}

func TestClientJoinApproved(t *testing.T) {
	c := newTestClient(t)
	c.host.lastSent.Store(100)

	body := &JoinApprovedBody{ReceivedTimeStamp: 180, GroupIDStartRange: -2}
	msg := encodeMessage(Header{What: JoinApproved, From: 1, To: 5, ID: 1, When: 200}, body.encode())
	c.handleNewEvent(inbound(c.Game, msg, 250))

	require.NoError(t, c.WaitForJoin(context.Background()))
	assert.Equal(t, PlayerID(5), c.MyID())
	assert.Equal(t, 1, c.Info().CurrentPlayers)
	assert.Equal(t, int32(15), c.Differential())
	assert.Equal(t, GroupID(-2), c.allocGroupID())

	m := c.MessageGet()
	require.NotNil(t, m)
	assert.Equal(t, JoinApproved, m.What)
	got, err := m.JoinApproved()
	require.NoError(t, err)
	assert.Equal(t, uint32(180), got.ReceivedTimeStamp)
	c.FreeMessage(m)
	assert.Nil(t, c.MessageGet())

	t.Run("SelfSendOnce", func(t *testing.T) {
		require.NoError(t, c.Send(5, 9, []byte("hi"), SendNormal))
		m := c.MessageGet()
		require.NotNil(t, m)
		assert.Equal(t, What(9), m.What)
		assert.Equal(t, []byte("hi"), m.Data)
		assert.Equal(t, PlayerID(5), m.From)
		c.FreeMessage(m)
		assert.Nil(t, c.MessageGet())
	})

	t.Run("GroupSelfSendOnce", func(t *testing.T) {
		h, b := groupMsg(createGroup, -2, 5)
		require.True(t, c.applyGroupMessage(h, b))
		h, b = groupMsg(addPlayerToGroup, -2, 5)
		require.True(t, c.applyGroupMessage(h, b))

		err := c.Send(-2, 10, nil, SendSelf)
		assert.ErrorIs(t, err, plugin.ErrBadState, "no transport behind this client")
		m := c.MessageGet()
		require.NotNil(t, m)
		assert.Equal(t, What(10), m.What)
		c.FreeMessage(m)
		assert.Nil(t, c.MessageGet())
	})
}

func TestClientMalformedJoinApproval(t *testing.T) {
	c := newTestClient(t)
	free, _, _ := c.QState()

	msg := encodeMessage(Header{What: JoinApproved, From: 1, To: 5, ID: 1}, []byte{1, 2, 3})
	c.handleNewEvent(inbound(c.Game, msg, 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.WaitForJoin(ctx)
	assert.ErrorIs(t, err, ErrBadMessage)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, c.MessageGet(), "malformed approval is not queued")

	got, _, events := c.QState()
	assert.Equal(t, free, got)
	assert.Zero(t, events)
	assert.Equal(t, PlayerID(0), c.MyID())
}

func TestClientSystemDispatch(t *testing.T) {
	c := newTestClient(t)
	body := &JoinApprovedBody{
		GroupIDStartRange: -10,
		Players:           []PlayerInfo{{ID: 1, Name: "Host"}, {ID: 2, Name: "Alice"}},
		Groups:            []GroupInfo{{ID: -2, Players: []PlayerID{1}}},
	}
	c.handleNewEvent(inbound(c.Game, encodeMessage(Header{What: JoinApproved, To: 2}, body.encode()), 0))
	require.Equal(t, 2, c.Info().CurrentPlayers, "the approval already lists us")
	assert.Equal(t, []GroupID{-2}, c.FillInGroups(1))

	var handled []What
	c.InstallAsyncMessageHandler(func(_ *Game, m *Message) bool {
		handled = append(handled, m.What)
		return m.What != What(66)
	})

	deliver := func(h Header, b []byte) { c.handleNewEvent(inbound(c.Game, encodeMessage(h, b), 0)) }

	deliver(Header{What: PlayerJoined, To: AllPlayers}, (&PlayerJoinedBody{PlayerCount: 3, Player: PlayerInfo{ID: 3, Name: "Bob"}}).encode())
	assert.Equal(t, 3, c.Info().CurrentPlayers)

	deliver(Header{What: pauseGame, To: AllPlayers}, nil)
	assert.Equal(t, Paused, c.State())
	deliver(Header{What: resumeGame, To: AllPlayers}, nil)
	assert.Equal(t, Running, c.State())

	deliver(Header{What: PlayerTypeChanged, To: AllPlayers}, (&PairBody{A: 3, B: 8}).encode())
	info, err := c.PlayerInfo(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), info.Type)

	deliver(Header{What: 66, From: 1, To: 2}, nil)
	deliver(Header{What: PlayerLeft, To: AllPlayers}, (&PlayerLeftBody{PlayerCount: 2, Player: 3, Name: "Bob"}).encode())
	assert.Equal(t, 2, c.Info().CurrentPlayers)

	deliver(Header{What: GameTerminated, To: AllPlayers}, nil)
	assert.Equal(t, Stopped, c.State())

	assert.Equal(t, []What{PlayerJoined, PlayerTypeChanged, What(66), PlayerLeft, GameTerminated}, handled,
		"private messages never reach the handler")

	var queued []What
	for m := c.MessageGet(); m != nil; m = c.MessageGet() {
		queued = append(queued, m.What)
		c.FreeMessage(m)
	}
	assert.Equal(t, []What{JoinApproved, PlayerJoined, PlayerTypeChanged, PlayerLeft, GameTerminated}, queued,
		"queue keeps arrival order, drops vetoed and private messages")
}

func TestClientDisconnect(t *testing.T) {
	c := newTestClient(t)
	c.handleNewEvent(inbound(c.Game, encodeMessage(Header{What: JoinApproved, To: 2},
		(&JoinApprovedBody{GroupIDStartRange: -2, Players: []PlayerInfo{{ID: 1, Name: "Host"}}}).encode()), 0))
	c.FreeMessage(c.MessageGet())

	c.handleDisconnect(c.host)
	assert.Equal(t, Stopped, c.State())
	assert.Empty(t, c.Players())

	m := c.MessageGet()
	require.NotNil(t, m)
	assert.Equal(t, GameTerminated, m.What)
	c.FreeMessage(m)
	assert.Nil(t, c.MessageGet())

	c.handleDisconnect(c.host)
	assert.Nil(t, c.MessageGet(), "terminated only once")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.WaitForJoin(ctx), "the join outcome is settled once")
}

func TestRecvLimiter(t *testing.T) {
	cfg := RecvLimitCfg{Mode: LimitToken, Rate: 1, Burst: 2}
	require.NoError(t, cfg.Validate())
	l := NewRecvLimiter(cfg)
	require.NotNil(t, l)
	assert.True(t, l.Admit())
	assert.True(t, l.Admit())
	assert.False(t, l.Admit())

	funnel := NewRecvLimiter(RecvLimitCfg{Mode: LimitFunnel, Rate: 1000})
	assert.True(t, funnel.Admit())

	assert.Nil(t, NewRecvLimiter(RecvLimitCfg{}))
	assert.Error(t, (&RecvLimitCfg{Mode: "bogus", Rate: 1}).Validate())
	assert.Error(t, (&RecvLimitCfg{Mode: LimitToken}).Validate())
}

func TestConfigValidate(t *testing.T) {
	var h HostCfg
	require.NoError(t, h.Validate())
	assert.Equal(t, DefaultGameName, h.GameName)
	assert.Equal(t, StandardMessageSize, h.StandardMessageSize)
	assert.Equal(t, QGrowthSize, h.QGrowthSize)

	assert.Error(t, (&JoinCfg{}).Validate(), "name required")
	assert.Error(t, (&HostCfg{MaxPlayers: -1}).Validate())
	assert.Error(t, (&GameCfg{StandardMessageSize: 8}).Validate())
}
