package session

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/protocol"
)

// Host owns a game: it accepts clients, decides joins and forwards player
// and group traffic. With a player name configured the host plays too.
type Host struct {
	*Game
	cfg      HostCfg
	pctx     *protocol.Context
	listener *protocol.Endpoint
	digest   [DigestLen]byte
	limiter  RecvLimiter

	// guarded by Game.mu
	nextPlayerID PlayerID
	nextRange    GroupID

	pmu   sync.Mutex
	peers map[*peer]struct{}

	pending        chan any
	stop           chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	listenerClosed chan struct{}
}

// NewHost starts listening with cfg and hosts a game.
func NewHost(pctx *protocol.Context, cfg *protocol.Config, hcfg *HostCfg) (*Host, error) {
	if hcfg == nil {
		hcfg = &HostCfg{}
	}
	if err := hcfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParam, err)
	}
	h := &Host{
		cfg:            *hcfg,
		pctx:           pctx,
		limiter:        NewRecvLimiter(hcfg.RecvLimit),
		peers:          make(map[*peer]struct{}),
		pending:        make(chan any, 64),
		stop:           make(chan struct{}),
		listenerClosed: make(chan struct{}),
	}
	h.Game = newGame(hcfg.GameCfg, "netsprocket.host")
	h.Game.owner = h
	if hcfg.Password != "" {
		h.digest = PasswordDigest(hcfg.Password)
	}

	h.name = hcfg.GameName
	h.maxPlayers = hcfg.MaxPlayers
	h.myID = HostOnly
	h.nextPlayerID = 1
	if hcfg.PlayerName != "" {
		h.myID = 1
		h.nextPlayerID = 2
		h.addPlayerLocked(PlayerInfo{ID: 1, Type: hcfg.PlayerType, Name: hcfg.PlayerName}, nil)
	}
	h.nextRange = FirstGroupID - GroupIDBlock

	ep, err := pctx.Open(cfg, h.listen, nil, false)
	if err != nil {
		return nil, err
	}
	h.listener = ep
	if hcfg.Advertise {
		if err := ep.StartAdvertising(); err != nil {
			_ = ep.Close(false)
			return nil, err
		}
	}

	h.wg.Add(1)
	go h.acceptLoop()
	h.log.Info().Str("game", h.name).Int("maxPlayers", h.maxPlayers).Bool("advertise", hcfg.Advertise).Msg("hosting")
	return h, nil
}

// Listener returns the listening endpoint.
func (h *Host) Listener() *protocol.Endpoint { return h.listener }

func (h *Host) listen(ep *protocol.Endpoint, code plugin.Code, err error, cookie any, _ any) {
	switch code {
	case plugin.ConnectRequest:
		select {
		case h.pending <- cookie:
		default:
			h.log.Warn().Msg("accept backlog full, rejecting")
			_ = h.pctx.RejectConnection(ep, cookie)
		}
	case plugin.CloseComplete:
		close(h.listenerClosed)
	case plugin.EndpointDied:
		h.log.Error().Err(err).Msg("listener died")
		h.notify(code, err)
	}
}

// acceptLoop accepts on its own goroutine since AcceptConnection must not
// run inside the listener's callback.
func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		case cookie := <-h.pending:
			p := newPeer(h.Game, h)
			h.track(p, true)
			ep, err := h.pctx.AcceptConnection(h.listener, cookie, p.callback, nil)
			if err != nil {
				h.track(p, false)
				h.log.Warn().Err(err).Msg("accept failed")
				continue
			}
			p.ep.CompareAndSwap(nil, ep)
		}
	}
}

func (h *Host) track(p *peer, add bool) {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	if add {
		h.peers[p] = struct{}{}
	} else {
		delete(h.peers, p)
	}
}

func (h *Host) snapshotPeers() []*peer {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	out := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

func (h *Host) peerOf(id PlayerID) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p := h.findPlayerLocked(id); p != nil {
		return p.peer
	}
	return nil
}

// Forwarding. except is the peer a message came from, if any.

func (h *Host) forwardAll(msg []byte, registered bool, except *peer) {
	for _, p := range h.snapshotPeers() {
		if p == except || p.playerID() <= 0 {
			continue
		}
		if err := p.send(msg, registered); err != nil {
			h.log.Debug().Err(err).Int32("player", int32(p.playerID())).Msg("forward failed")
		}
	}
}

func (h *Host) forwardGroup(gid GroupID, msg []byte, registered bool, except *peer) {
	h.mu.Lock()
	var targets []*peer
	if gr := h.findGroupLocked(gid); gr != nil {
		for _, m := range gr.members {
			if m.peer != nil && m.peer != except {
				targets = append(targets, m.peer)
			}
		}
	}
	h.mu.Unlock()
	for _, p := range targets {
		if err := p.send(msg, registered); err != nil {
			h.log.Debug().Err(err).Int32("player", int32(p.playerID())).Msg("forward failed")
		}
	}
}

func (h *Host) forwardTo(id PlayerID, msg []byte, registered bool) error {
	p := h.peerOf(id)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPlayer, id)
	}
	return p.send(msg, registered)
}

func (h *Host) sendMessage(hdr Header, body []byte, flags SendFlags) error {
	msg := encodeMessage(hdr, body)
	me := h.MyID()
	if h.wantsLocalCopy(hdr.To, flags) || hdr.To == HostOnly {
		h.doSelfSend(msg)
	}
	registered := flags&SendRegistered != 0
	switch {
	case hdr.To == me || hdr.To == HostOnly:
		return nil
	case hdr.To == AllPlayers:
		h.forwardAll(msg, registered, nil)
	case hdr.To.IsGroup():
		h.forwardGroup(hdr.To, msg, registered, nil)
	default:
		return h.forwardTo(hdr.To, msg, registered)
	}
	return nil
}

// sendSystem runs a host originated system message through the same path as
// one received from a client.
func (h *Host) sendSystem(msg []byte) error {
	e := h.q.getFree(len(msg))
	copy(e.buf.Bytes(), msg)
	e.received = h.rawNow()
	e.registered = true
	h.handleSystem(e, readHeader(msg, wireOrder))
	return nil
}

func (h *Host) handleNewEvent(e *ERObject) {
	hdr := readHeader(e.bytes(), wireOrder)
	countMessage(hdr.What)
	p := e.peer

	if hdr.What == JoinRequest {
		h.handleJoinRequest(e, hdr)
		return
	}
	if p != nil && (p.playerID() <= 0 || hdr.From != p.playerID()) {
		h.log.Debug().Int32("from", int32(hdr.From)).Int32("peer", int32(p.playerID())).Msg("dropping message from unjoined or spoofing peer")
		h.q.release(e)
		return
	}
	if hdr.What.IsSystem() {
		h.handleSystem(e, hdr)
		return
	}
	if h.limiter != nil && !h.limiter.Admit() {
		metrics.IncrCounterWithGroup(metrics.NameSessionRecvLimitedTotal, metrics.GroupNetSprocket, 1)
		h.q.release(e)
		return
	}
	h.route(e, hdr)
}

// route forwards a client's user message and keeps a local copy when the
// host is an addressee.
func (h *Host) route(e *ERObject, hdr Header) {
	msg, from := e.bytes(), e.peer
	me := h.MyID()
	local := false
	switch {
	case hdr.To == HostOnly || hdr.To == me:
		local = true
	case hdr.To == AllPlayers:
		h.forwardAll(msg, e.registered, from)
		local = true
	case hdr.To.IsGroup():
		h.forwardGroup(hdr.To, msg, e.registered, from)
		local = h.isMember(hdr.To, me)
	default:
		if err := h.forwardTo(hdr.To, msg, e.registered); err != nil {
			h.log.Debug().Err(err).Msg("dropping message for unknown player")
		}
	}
	if local {
		h.handleEventForSelf(e)
		return
	}
	h.q.release(e)
}

func (h *Host) handleSystem(e *ERObject, hdr Header) {
	data := e.bytes()[HeaderSize:]
	switch hdr.What {
	case createGroup, deleteGroup, addPlayerToGroup, removePlayerFromGroup:
		if h.applyGroupMessage(hdr, data) {
			h.forwardAll(e.bytes(), true, nil)
		}
	case PlayerTypeChanged:
		if h.applyTypeChange(data) {
			h.forwardAll(e.bytes(), true, nil)
			h.handleEventForSelf(e)
			return
		}
	default:
		h.log.Debug().Str("what", hdr.What.String()).Msg("ignoring system message from client")
	}
	h.q.release(e)
}

// admit returns why a join must be refused, or "" to accept it.
func (h *Host) admit(req *JoinRequestBody) string {
	if h.State() == Stopped {
		return "game is over"
	}
	if h.cfg.Password != "" && subtle.ConstantTimeCompare(req.Digest[:], h.digest[:]) != 1 {
		return "incorrect password"
	}
	if req.Name == "" {
		return "player name required"
	}
	h.mu.Lock()
	full := h.maxPlayers > 0 && len(h.players) >= h.maxPlayers
	h.mu.Unlock()
	if full {
		return "game is full"
	}
	return ""
}

func (h *Host) handleJoinRequest(e *ERObject, hdr Header) {
	p, received := e.peer, e.received
	req, err := decodeJoinRequest(e.bytes()[HeaderSize:])
	h.q.release(e)
	if p == nil || p.playerID() > 0 {
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("bad join request")
		h.deny(p, "malformed join request")
		return
	}
	if reason := h.admit(req); reason != "" {
		h.log.Info().Str("name", req.Name).Str("reason", reason).Msg("join denied")
		h.deny(p, reason)
		return
	}

	h.mu.Lock()
	id := h.nextPlayerID
	h.nextPlayerID++
	start := h.nextRange
	h.nextRange -= GroupIDBlock
	info := PlayerInfo{ID: id, Type: req.Type, Name: req.Name}
	h.addPlayerLocked(info, p)
	approval := JoinApprovedBody{
		ReceivedTimeStamp: received,
		GroupIDStartRange: start,
		Groups:            h.groupsLocked(),
	}
	for _, pl := range h.players {
		approval.Players = append(approval.Players, pl.info)
	}
	count := uint32(len(h.players))
	h.mu.Unlock()

	p.player.Store(int32(id))
	p.name.Store(&req.Name)
	if err := p.send(encodeMessage(h.newHeader(JoinApproved, id), approval.encode()), true); err != nil {
		h.log.Warn().Err(err).Int32("player", int32(id)).Msg("sending approval failed")
	}

	joined := encodeMessage(h.newHeader(PlayerJoined, AllPlayers), (&PlayerJoinedBody{PlayerCount: count, Player: info}).encode())
	h.forwardAll(joined, true, p)
	h.doSelfSend(joined)
	h.log.Info().Int32("player", int32(id)).Str("name", req.Name).Int("players", int(count)).Msg("player joined")
}

func (h *Host) deny(p *peer, reason string) {
	hdr := h.newHeader(JoinDenied, AllPlayers)
	if err := p.send(encodeMessage(hdr, encodeReason(reason)), true); err != nil {
		h.log.Debug().Err(err).Msg("sending denial failed")
	}
	p.dead.Store(true)
	h.track(p, false)
	p.close(true)
}

// handleDisconnect drops a lost client and tells everyone else.
func (h *Host) handleDisconnect(p *peer) {
	h.dropPeer(p, false)
}

func (h *Host) dropPeer(p *peer, orderly bool) {
	h.track(p, false)
	p.close(orderly)

	id := p.playerID()
	if id <= 0 {
		return
	}
	removed := h.removePlayer(id)
	if len(removed) == 0 {
		return
	}
	h.mu.Lock()
	count := uint32(len(h.players))
	h.mu.Unlock()
	left := encodeMessage(h.newHeader(PlayerLeft, AllPlayers),
		(&PlayerLeftBody{PlayerCount: count, Player: id, Name: removed[0].Name}).encode())
	h.forwardAll(left, true, nil)
	h.doSelfSend(left)
	h.log.Info().Int32("player", int32(id)).Str("name", removed[0].Name).Msg("player left")
}

// RemovePlayer disconnects a client player.
func (h *Host) RemovePlayer(id PlayerID) error {
	p := h.peerOf(id)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPlayer, id)
	}
	if p.dead.CompareAndSwap(false, true) {
		h.dropPeer(p, true)
	}
	return nil
}

func (h *Host) broadcastState(what What) {
	h.forwardAll(encodeMessage(h.newHeader(what, AllPlayers), nil), true, nil)
}

// Pause pauses the game everywhere.
func (h *Host) Pause() error {
	if h.State() == Stopped {
		return ErrGameTerminated
	}
	if h.setState(Paused) {
		h.broadcastState(pauseGame)
	}
	return nil
}

// Resume resumes a paused game everywhere.
func (h *Host) Resume() error {
	if h.State() == Stopped {
		return ErrGameTerminated
	}
	if h.setState(Running) {
		h.broadcastState(resumeGame)
	}
	return nil
}

// Idle gives the listener's module housekeeping time.
func (h *Host) Idle() error {
	return h.listener.Idle()
}

// Close terminates the game: clients are told, connections close in order
// and the listener stops, bounded by the disconnect timeout.
func (h *Host) Close() error {
	if h.setState(Stopped) {
		h.broadcastState(GameTerminated)
	}
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()

	peers := h.snapshotPeers()
	for _, p := range peers {
		p.dead.Store(true)
		h.track(p, false)
		p.close(true)
	}
	if h.cfg.Advertise {
		if err := h.listener.StopAdvertising(); err != nil && !errors.Is(err, plugin.ErrFunctionNotBound) {
			h.log.Debug().Err(err).Msg("stop advertising")
		}
	}
	_ = h.listener.Close(true)

	deadline := time.Now().Add(h.cfg.disconnectTimeout())
	var timedOut bool
	for _, p := range peers {
		if !p.waitClosed(time.Until(deadline)) {
			timedOut = true
		}
	}
	select {
	case <-h.listenerClosed:
	case <-time.After(time.Until(deadline)):
		timedOut = true
	}
	h.removePlayer(AllPlayers)
	h.log.Info().Str("game", h.name).Msg("game terminated")
	if timedOut {
		return fmt.Errorf("%w: waiting for disconnect", ErrTimeout)
	}
	return nil
}
