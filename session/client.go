package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/protocol"
	"golang.org/x/crypto/sha3"
)

// Client is a player in a game hosted elsewhere. Everything it sends goes to
// the host, which forwards it.
type Client struct {
	*Game
	cfg  JoinCfg
	host *peer

	joinStart time.Time
	joinOnce  sync.Once
	joined    chan struct{}
	joinErr   error
}

// PasswordDigest is the digest a join request carries instead of the
// password.
func PasswordDigest(password string) [DigestLen]byte {
	return sha3.Sum256([]byte(password))
}

// Join connects to the host described by cfg and asks to join. The answer
// arrives asynchronously; WaitForJoin blocks for it.
func Join(pctx *protocol.Context, cfg *protocol.Config, jcfg *JoinCfg) (*Client, error) {
	if jcfg == nil {
		return nil, fmt.Errorf("%w: nil join config", ErrParam)
	}
	if err := jcfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParam, err)
	}
	c := &Client{cfg: *jcfg, joined: make(chan struct{})}
	c.Game = newGame(jcfg.GameCfg, "netsprocket.client")
	c.Game.owner = c
	c.host = newPeer(c.Game, c)

	ep, err := pctx.Open(cfg, c.host.callback, nil, true)
	if err != nil {
		return nil, err
	}
	c.host.ep.CompareAndSwap(nil, ep)
	c.name = cfg.Common().GameName

	req := JoinRequestBody{
		Type:       jcfg.Type,
		Digest:     PasswordDigest(jcfg.Password),
		Name:       jcfg.Name,
		CustomData: jcfg.CustomData,
	}
	c.joinStart = time.Now()
	if err := c.host.send(encodeMessage(c.newHeader(JoinRequest, HostOnly), req.encode()), true); err != nil {
		c.host.close(false)
		return nil, err
	}
	c.log.Info().Str("name", jcfg.Name).Str("game", c.name).Msg("join requested")
	return c, nil
}

func (c *Client) finishJoin(err error) {
	c.joinOnce.Do(func() {
		c.joinErr = err
		close(c.joined)
	})
}

// WaitForJoin blocks until the host approves or denies the join, the
// connection drops, or ctx ends.
func (c *Client) WaitForJoin(ctx context.Context) error {
	select {
	case <-c.joined:
		return c.joinErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendMessage(h Header, body []byte, flags SendFlags) error {
	msg := encodeMessage(h, body)
	if c.wantsLocalCopy(h.To, flags) {
		c.doSelfSend(msg)
	}
	if h.To == c.MyID() {
		return nil
	}
	return c.host.send(msg, flags&SendRegistered != 0)
}

func (c *Client) sendSystem(msg []byte) error {
	return c.host.send(msg, true)
}

func (c *Client) handleNewEvent(e *ERObject) {
	h := readHeader(e.bytes(), wireOrder)
	countMessage(h.What)

	pass := true
	if h.What == JoinApproved {
		pass = c.handleJoinApproved(e, h)
	} else if h.What.IsSystem() {
		pass = c.processSystemMessage(h, e.bytes()[HeaderSize:])
	}
	if !pass {
		c.q.release(e)
		return
	}
	c.handleEventForSelf(e)
}

// handleJoinApproved settles the join. A malformed approval fails the join
// and is not passed on.
func (c *Client) handleJoinApproved(e *ERObject, h Header) bool {
	body, err := decodeJoinApproved(e.bytes()[HeaderSize:])
	if err != nil {
		c.log.Warn().Err(err).Msg("bad join approval")
		c.finishJoin(fmt.Errorf("%w: join approval: %v", ErrBadMessage, err))
		return false
	}

	c.mu.Lock()
	c.players = nil
	c.groups = nil
	c.nextGroupID = body.GroupIDStartRange
	for _, info := range body.Players {
		c.addPlayerLocked(info, c.host)
	}
	for _, gi := range body.Groups {
		c.createGroupLocked(gi.ID)
		gr := c.findGroupLocked(gi.ID)
		for _, id := range gi.Players {
			if p := c.findPlayerLocked(id); p != nil && gr != nil {
				gr.members = append(gr.members, p)
			}
		}
	}
	c.myID = h.To
	c.addPlayerLocked(PlayerInfo{ID: h.To, Type: c.cfg.Type, Name: c.cfg.Name}, nil)
	c.mu.Unlock()

	c.differential.Store(clockDifferential(c.host.lastSent.Load(), e.received, body.ReceivedTimeStamp, h.When))
	metrics.RecordStopwatchWithGroup(metrics.NameSessionJoinLatencyMs, metrics.GroupNetSprocket, c.joinStart)
	c.log.Info().Int32("player", int32(h.To)).Int32("differential", c.Differential()).Msg("join approved")
	c.finishJoin(nil)
	return true
}

// processSystemMessage applies a system message and reports whether it is
// also passed on to the application.
func (c *Client) processSystemMessage(h Header, data []byte) bool {
	switch h.What {
	case JoinDenied:
		reason, _ := decodeReason(data)
		c.log.Info().Str("reason", reason).Msg("join denied")
		c.setState(Stopped)
		c.finishJoin(fmt.Errorf("%w: %s", ErrJoinDenied, reason))
		return true
	case PlayerJoined:
		if j, err := decodePlayerJoined(data); err == nil && j.Player.ID != c.MyID() {
			c.addPlayer(j.Player, c.host)
		}
		return true
	case PlayerLeft:
		if l, err := decodePlayerLeft(data); err == nil {
			c.removePlayer(l.Player)
		}
		return true
	case GameTerminated:
		c.setState(Stopped)
		c.finishJoin(ErrGameTerminated)
		return true
	case PlayerTypeChanged:
		c.applyTypeChange(data)
		return true
	case createGroup, deleteGroup, addPlayerToGroup, removePlayerFromGroup:
		c.applyGroupMessage(h, data)
	case pauseGame:
		c.setState(Paused)
	case resumeGame:
		c.setState(Running)
	default:
		c.log.Debug().Str("what", h.What.String()).Msg("ignoring system message")
	}
	return false
}

// handleDisconnect turns a lost host connection into a local GameTerminated.
func (c *Client) handleDisconnect(*peer) {
	if c.State() != Stopped {
		c.doSelfSend(encodeMessage(Header{What: GameTerminated, To: AllPlayers, ID: c.nextMessageID.Add(1) - 1}, nil))
	}
	c.removePlayer(AllPlayers)
	c.setState(Stopped)
	c.finishJoin(ErrGameTerminated)
	c.log.Info().Msg("host connection lost")
}

// Idle gives the transport housekeeping time.
func (c *Client) Idle() error {
	if ep := c.host.endpoint(); ep != nil {
		return ep.Idle()
	}
	return nil
}

// Pause is reserved to the host.
func (c *Client) Pause() error { return ErrNotHost }

// Resume is reserved to the host.
func (c *Client) Resume() error { return ErrNotHost }

// Close leaves the game. A running game disconnects in order; a stopped one
// just tears the connection down. Either way it waits up to the disconnect
// timeout for the transport to finish.
func (c *Client) Close() error {
	orderly := c.State() != Stopped
	c.setState(Stopped)
	c.removePlayer(AllPlayers)
	c.finishJoin(ErrGameTerminated)
	c.host.close(orderly)
	if !c.host.waitClosed(c.cfg.disconnectTimeout()) {
		return fmt.Errorf("%w: waiting for disconnect", ErrTimeout)
	}
	return nil
}
