// Package session is the NetSprocket layer: a hosted multiplayer game with
// players, groups and typed system messages, running over protocol endpoints.
//
// One Host accepts clients; every Client talks only to the host, which
// forwards player and group traffic. Inbound messages are wrapped in
// ERObjects drawn from recycled queues and land on the event queue, from
// which the application pulls them with MessageGet.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/utils/lifo"
)

// State is the lifecycle state of a game.
type State int32

const (
	Running State = iota
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// SendFlags select how a message travels.
type SendFlags uint32

const (
	// SendNormal sends unreliably as a datagram when the module has them.
	SendNormal SendFlags = 0
	// SendRegistered sends on the reliable ordered stream.
	SendRegistered SendFlags = 1 << iota
	// SendSelf also delivers a local copy.
	SendSelf
)

// MessageHandler sees each message before it is queued, on a transport
// goroutine. Returning false drops the message instead of queuing it.
type MessageHandler func(g *Game, msg *Message) bool

// CallbackHandler receives transport events such as EndpointDied and
// FlowClear.
type CallbackHandler func(g *Game, code plugin.Code, err error)

// Message is one message taken off the event queue, or a view handed to a
// MessageHandler. Data is the payload after the header.
type Message struct {
	Header
	Data []byte
	buf  Buffer
}

func (m *Message) expect(w What) error {
	if m.What != w {
		return fmt.Errorf("%w: message is %s, not %s", ErrParam, m.What, w)
	}
	return nil
}

// JoinApproved decodes a JoinApproved payload.
func (m *Message) JoinApproved() (*JoinApprovedBody, error) {
	if err := m.expect(JoinApproved); err != nil {
		return nil, err
	}
	return decodeJoinApproved(m.Data)
}

// JoinDenied returns the reason of a JoinDenied message.
func (m *Message) JoinDenied() (string, error) {
	if err := m.expect(JoinDenied); err != nil {
		return "", err
	}
	return decodeReason(m.Data)
}

// PlayerJoined decodes a PlayerJoined payload.
func (m *Message) PlayerJoined() (*PlayerJoinedBody, error) {
	if err := m.expect(PlayerJoined); err != nil {
		return nil, err
	}
	return decodePlayerJoined(m.Data)
}

// PlayerLeft decodes a PlayerLeft payload.
func (m *Message) PlayerLeft() (*PlayerLeftBody, error) {
	if err := m.expect(PlayerLeft); err != nil {
		return nil, err
	}
	return decodePlayerLeft(m.Data)
}

// Pair decodes the payload of the group messages and PlayerTypeChanged.
func (m *Message) Pair() (*PairBody, error) {
	switch m.What {
	case GroupCreated, GroupDeleted, PlayerAddedToGroup, PlayerRemovedFromGroup, PlayerTypeChanged:
		return decodePair(m.Data)
	}
	return nil, fmt.Errorf("%w: message %s has no pair payload", ErrParam, m.What)
}

// GameInfo summarizes a game.
type GameInfo struct {
	Name           string
	MaxPlayers     int
	CurrentPlayers int
	CurrentGroups  int
	State          State
	MyID           PlayerID
}

type player struct {
	info PlayerInfo
	peer *peer
}

type group struct {
	id      GroupID
	members []*player
}

// owner is implemented by Client and Host, which differ in where messages go.
type owner interface {
	sendMessage(h Header, body []byte, flags SendFlags) error
	sendSystem(msg []byte) error
}

// Game is the state shared by hosts and clients.
type Game struct {
	cfg   GameCfg
	log   *log.GameLogger
	q     *queues
	owner owner
	clock func() uint32

	mu          sync.Mutex
	name        string
	maxPlayers  int
	players     []*player
	groups      []*group
	myID        PlayerID
	nextGroupID GroupID

	nextMessageID atomic.Uint32
	differential  atomic.Int32
	state         atomic.Int32

	pendMu  sync.Mutex
	pending *lifo.Node[*ERObject]

	hmu      sync.RWMutex
	handler  MessageHandler
	callback CallbackHandler
}

func newGame(cfg GameCfg, component string) *Game {
	epoch := time.Now()
	g := &Game{
		cfg:         cfg,
		log:         log.With(component),
		q:           newQueues(cfg.StandardMessageSize, cfg.QGrowthSize),
		nextGroupID: FirstGroupID,
		clock:       func() uint32 { return uint32(time.Since(epoch).Milliseconds()) },
	}
	g.nextMessageID.Store(1)
	return g
}

func (g *Game) rawNow() uint32 { return g.clock() }

// CurrentTimeStamp is the local clock in milliseconds adjusted by the
// differential learned at join, so it approximates the host's clock.
func (g *Game) CurrentTimeStamp() uint32 {
	return g.rawNow() + uint32(g.differential.Load())
}

// Differential is the clock offset learned at join.
func (g *Game) Differential() int32 { return g.differential.Load() }

// clockDifferential estimates the offset between the local and host clocks
// from one request/approval exchange, assuming symmetric latency.
func clockDifferential(localSent, localReceived, hostReceived, hostWhen uint32) int32 {
	hostProcessing := hostWhen - hostReceived
	rtt := int32(localReceived - localSent - hostProcessing)
	return int32(hostReceived-localSent) - rtt/2
}

// State returns the game state.
func (g *Game) State() State { return State(g.state.Load()) }

// setState moves between Running and Paused, or to Stopped. Stopped is
// final.
func (g *Game) setState(s State) bool {
	for {
		cur := g.state.Load()
		if State(cur) == Stopped || State(cur) == s {
			return false
		}
		if g.state.CompareAndSwap(cur, int32(s)) {
			g.log.Debug().Str("from", State(cur).String()).Str("to", s.String()).Msg("game state changed")
			return true
		}
	}
}

// MyID returns the local player id.
func (g *Game) MyID() PlayerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.myID
}

// Info returns a summary of the game.
func (g *Game) Info() GameInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GameInfo{
		Name:           g.name,
		MaxPlayers:     g.maxPlayers,
		CurrentPlayers: len(g.players),
		CurrentGroups:  len(g.groups),
		State:          g.State(),
		MyID:           g.myID,
	}
}

// QState returns the lengths of the free, cookie and event queues. Messages
// already detached for MessageGet count as queued events.
func (g *Game) QState() (free, cookie, events int) {
	g.pendMu.Lock()
	pending := lifo.Count(g.pending)
	g.pendMu.Unlock()
	return g.q.free.Len(), g.q.cookie.Len(), g.q.event.Len() + pending
}

// InstallAsyncMessageHandler sets the handler consulted before queuing.
func (g *Game) InstallAsyncMessageHandler(h MessageHandler) {
	g.hmu.Lock()
	g.handler = h
	g.hmu.Unlock()
}

// InstallCallbackHandler sets the handler for transport events.
func (g *Game) InstallCallbackHandler(cb CallbackHandler) {
	g.hmu.Lock()
	g.callback = cb
	g.hmu.Unlock()
}

func (g *Game) messageHandler() MessageHandler {
	g.hmu.RLock()
	defer g.hmu.RUnlock()
	return g.handler
}

func (g *Game) notify(code plugin.Code, err error) {
	g.hmu.RLock()
	cb := g.callback
	g.hmu.RUnlock()
	if cb != nil {
		cb(g, code, err)
	}
}

func (g *Game) newHeader(what What, to PlayerID) Header {
	return Header{
		What: what,
		From: g.MyID(),
		To:   to,
		ID:   g.nextMessageID.Add(1) - 1,
		When: g.CurrentTimeStamp(),
	}
}

func whatLabel(w What) string {
	if w.IsSystem() {
		return w.String()
	}
	return "user"
}

func countMessage(w What) {
	metrics.IncrCounterWithDimGroup(metrics.NameSessionMessageTotal, metrics.GroupNetSprocket, 1,
		metrics.Dimension{metrics.DimWhat: whatLabel(w)})
}

// Send sends a user message to a player, a group, HostOnly or AllPlayers.
func (g *Game) Send(to PlayerID, what What, data []byte, flags SendFlags) error {
	if what.IsSystem() {
		return fmt.Errorf("%w: %s is reserved for system messages", ErrParam, what)
	}
	if g.State() == Stopped {
		return ErrGameTerminated
	}
	if HeaderSize+len(data) > g.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d byte message, max %d", plugin.ErrTooMuchData, HeaderSize+len(data), g.cfg.MaxMessageSize)
	}
	return g.owner.sendMessage(g.newHeader(what, to), data, flags)
}

// wantsLocalCopy reports whether a send to to also delivers one local copy.
func (g *Game) wantsLocalCopy(to PlayerID, flags SendFlags) bool {
	if flags&SendSelf != 0 {
		return true
	}
	me := g.MyID()
	if to == me {
		return true
	}
	return to.IsGroup() && g.isMember(to, me)
}

// doSelfSend queues a copy of msg for the local player, restamped now.
func (g *Game) doSelfSend(msg []byte) {
	e := g.q.getFree(len(msg))
	copy(e.buf.Bytes(), msg)
	wireOrder.PutUint32(e.buf.Bytes()[20:], g.CurrentTimeStamp())
	e.received = g.rawNow()
	e.registered = true
	g.handleEventForSelf(e)
}

// handleEventForSelf offers e to the message handler and queues it unless
// the handler declines. Private messages skip the handler.
func (g *Game) handleEventForSelf(e *ERObject) {
	raw := e.bytes()
	h := readHeader(raw, wireOrder)
	enqueue := true
	if fn := g.messageHandler(); fn != nil && !h.What.IsPrivate() {
		enqueue = fn(g, &Message{Header: h, Data: raw[HeaderSize:]})
	}
	if !enqueue {
		g.q.release(e)
		return
	}
	g.q.event.Enqueue(e.node)
	metrics.UpdateGaugeWithDimGroup(metrics.NameSessionQueueLen, metrics.GroupNetSprocket,
		metrics.Value(g.q.event.Len()), metrics.Dimension{metrics.DimQueue: "event"})
}

// MessageGet returns the oldest queued message, or nil when there is none.
// The caller owns the message until FreeMessage.
func (g *Game) MessageGet() *Message {
	g.pendMu.Lock()
	defer g.pendMu.Unlock()
	if g.pending == nil {
		if g.q.event.IsEmpty() {
			return nil
		}
		g.pending = lifo.Reverse(g.q.event.StealList())
	}
	n, rest := lifo.Unlink(g.pending)
	g.pending = rest

	e := n.Value
	length := e.length
	buf := g.q.extract(e)
	raw := buf.Bytes()[:length]
	return &Message{Header: readHeader(raw, wireOrder), Data: raw[HeaderSize:], buf: buf}
}

// FreeMessage returns the buffer of m for reuse. m must not be used after.
func (g *Game) FreeMessage(m *Message) {
	if m == nil {
		return
	}
	g.q.freeMessage(m.buf)
	m.buf, m.Data = nil, nil
}

// Players and groups.

func (g *Game) findPlayerLocked(id PlayerID) *player {
	for _, p := range g.players {
		if p.info.ID == id {
			return p
		}
	}
	return nil
}

func (g *Game) findGroupLocked(id GroupID) *group {
	for _, gr := range g.groups {
		if gr.id == id {
			return gr
		}
	}
	return nil
}

func (g *Game) addPlayerLocked(info PlayerInfo, p *peer) bool {
	if info.ID <= 0 || g.findPlayerLocked(info.ID) != nil {
		return false
	}
	info.Groups = nil
	g.players = append(g.players, &player{info: info, peer: p})
	return true
}

func (g *Game) addPlayer(info PlayerInfo, p *peer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addPlayerLocked(info, p)
}

// removePlayer drops a player, or every player for AllPlayers, from all
// groups and from the player list. It returns the removed entries.
func (g *Game) removePlayer(id PlayerID) []PlayerInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []PlayerInfo
	kept := g.players[:0]
	for _, p := range g.players {
		if id == AllPlayers || p.info.ID == id {
			removed = append(removed, p.info)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(g.players); i++ {
		g.players[i] = nil
	}
	g.players = kept
	for _, info := range removed {
		for _, gr := range g.groups {
			gr.remove(info.ID)
		}
	}
	return removed
}

func (gr *group) remove(id PlayerID) bool {
	for i, m := range gr.members {
		if m.info.ID == id {
			gr.members = append(gr.members[:i], gr.members[i+1:]...)
			return true
		}
	}
	return false
}

func (g *Game) isMember(gid GroupID, id PlayerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gr := g.findGroupLocked(gid)
	if gr == nil {
		return false
	}
	for _, m := range gr.members {
		if m.info.ID == id {
			return true
		}
	}
	return false
}

// FillInGroups lists the groups id belongs to, in group list order.
func (g *Game) FillInGroups(id PlayerID) []GroupID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fillInGroupsLocked(id)
}

func (g *Game) fillInGroupsLocked(id PlayerID) []GroupID {
	var out []GroupID
	for _, gr := range g.groups {
		for _, m := range gr.members {
			if m.info.ID == id {
				out = append(out, gr.id)
				break
			}
		}
	}
	return out
}

// PlayerInfo returns one player with its groups.
func (g *Game) PlayerInfo(id PlayerID) (PlayerInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.findPlayerLocked(id)
	if p == nil {
		return PlayerInfo{}, fmt.Errorf("%w: %d", ErrInvalidPlayer, id)
	}
	info := p.info
	info.Groups = g.fillInGroupsLocked(id)
	return info, nil
}

// Players lists every player in join order.
func (g *Game) Players() []PlayerInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PlayerInfo, 0, len(g.players))
	for _, p := range g.players {
		info := p.info
		info.Groups = g.fillInGroupsLocked(info.ID)
		out = append(out, info)
	}
	return out
}

func (g *Game) groupsLocked() []GroupInfo {
	out := make([]GroupInfo, 0, len(g.groups))
	for _, gr := range g.groups {
		gi := GroupInfo{ID: gr.id, Players: make([]PlayerID, 0, len(gr.members))}
		for _, m := range gr.members {
			gi.Players = append(gi.Players, m.info.ID)
		}
		out = append(out, gi)
	}
	return out
}

// Groups lists every group in creation order.
func (g *Game) Groups() []GroupInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupsLocked()
}

// GroupInfo returns one group.
func (g *Game) GroupInfo(id GroupID) (GroupInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, gi := range g.groupsLocked() {
		if gi.ID == id {
			return gi, nil
		}
	}
	return GroupInfo{}, fmt.Errorf("%w: %d", ErrInvalidGroup, id)
}

// allocGroupID hands out the next free id of our range. Ids go down.
func (g *Game) allocGroupID() GroupID {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		id := g.nextGroupID
		g.nextGroupID--
		if g.findGroupLocked(id) == nil {
			return id
		}
	}
}

func (g *Game) createGroupLocked(id GroupID) (created bool) {
	if !id.IsGroup() || g.findGroupLocked(id) != nil {
		return false
	}
	g.groups = append(g.groups, &group{id: id})
	return true
}

// applyGroupMessage carries out a group bookkeeping message and tells the
// message handler about the change. It reports whether the message was
// valid here.
func (g *Game) applyGroupMessage(h Header, data []byte) bool {
	pair, err := decodePair(data)
	if err != nil {
		return false
	}
	gid := GroupID(pair.A)

	var public What
	ok, changed := false, false
	g.mu.Lock()
	switch h.What {
	case createGroup:
		public = GroupCreated
		if gid.IsGroup() {
			changed = g.createGroupLocked(gid)
			ok = true
		}
	case deleteGroup:
		public = GroupDeleted
		for i, gr := range g.groups {
			if gr.id == gid {
				g.groups = append(g.groups[:i], g.groups[i+1:]...)
				ok, changed = true, true
				break
			}
		}
	case addPlayerToGroup:
		public = PlayerAddedToGroup
		gr, p := g.findGroupLocked(gid), g.findPlayerLocked(PlayerID(pair.B))
		if gr != nil && p != nil {
			ok = true
			changed = true
			for _, m := range gr.members {
				if m == p {
					changed = false
				}
			}
			if changed {
				gr.members = append(gr.members, p)
			}
		}
	case removePlayerFromGroup:
		public = PlayerRemovedFromGroup
		if gr := g.findGroupLocked(gid); gr != nil {
			ok = gr.remove(PlayerID(pair.B))
			changed = ok
		}
	}
	g.mu.Unlock()

	if changed {
		if fn := g.messageHandler(); fn != nil {
			note := Header{What: public, To: AllPlayers, Version: Version, When: h.When, MessageLen: HeaderSize + 8}
			fn(g, &Message{Header: note, Data: pair.encode()})
		}
	}
	return ok
}

// applyTypeChange sets the type of a player.
func (g *Game) applyTypeChange(data []byte) bool {
	pair, err := decodePair(data)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.findPlayerLocked(PlayerID(pair.A))
	if p == nil {
		return false
	}
	p.info.Type = pair.B
	return true
}

func (g *Game) sendSystem(what What, pair PairBody) error {
	if g.State() == Stopped {
		return ErrGameTerminated
	}
	return g.owner.sendSystem(encodeMessage(g.newHeader(what, AllPlayers), pair.encode()))
}

// GroupCreate makes a new group and announces it. The group is usable
// locally at once.
func (g *Game) GroupCreate() (GroupID, error) {
	if g.State() == Stopped {
		return 0, ErrGameTerminated
	}
	id := g.allocGroupID()
	h := g.newHeader(createGroup, AllPlayers)
	pair := PairBody{A: int32(id), B: uint32(h.From)}
	if !g.applyGroupMessage(h, pair.encode()) {
		return 0, ErrCreateGroupFailed
	}
	if err := g.owner.sendSystem(encodeMessage(h, pair.encode())); err != nil {
		return 0, err
	}
	return id, nil
}

func (g *Game) checkGroup(gid GroupID, id PlayerID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.findGroupLocked(gid) == nil {
		return fmt.Errorf("%w: %d", ErrInvalidGroup, gid)
	}
	if id != AllPlayers && g.findPlayerLocked(id) == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPlayer, id)
	}
	return nil
}

// GroupDelete asks everyone to delete a group.
func (g *Game) GroupDelete(gid GroupID) error {
	if err := g.checkGroup(gid, AllPlayers); err != nil {
		return err
	}
	return g.sendSystem(deleteGroup, PairBody{A: int32(gid), B: uint32(g.MyID())})
}

// GroupAddPlayer asks everyone to add a player to a group.
func (g *Game) GroupAddPlayer(gid GroupID, id PlayerID) error {
	if err := g.checkGroup(gid, id); err != nil {
		return err
	}
	return g.sendSystem(addPlayerToGroup, PairBody{A: int32(gid), B: uint32(id)})
}

// GroupRemovePlayer asks everyone to remove a player from a group.
func (g *Game) GroupRemovePlayer(gid GroupID, id PlayerID) error {
	if err := g.checkGroup(gid, id); err != nil {
		return err
	}
	return g.sendSystem(removePlayerFromGroup, PairBody{A: int32(gid), B: uint32(id)})
}

// ChangePlayerType asks the host to change a player's type.
func (g *Game) ChangePlayerType(id PlayerID, typ uint32) error {
	if _, err := g.PlayerInfo(id); err != nil {
		return err
	}
	return g.sendSystem(PlayerTypeChanged, PairBody{A: int32(id), B: typ})
}
