package session

import (
	"encoding/binary"
	"fmt"
)

// What tags the kind of a message. User messages must not set the system bit.
type What uint32

// PlayerID identifies a player. Positive ids are players; AllPlayers and
// HostOnly are addressing sentinels; ids at or below -2 are groups.
type PlayerID int32

// GroupID identifies a group. Group ids are negative, starting at -2.
type GroupID = PlayerID

const (
	AllPlayers PlayerID = 0
	HostOnly   PlayerID = -1
	// FirstGroupID is the first id handed out by a group id range.
	FirstGroupID GroupID = -2
)

// IsGroup reports whether id addresses a group.
func (id PlayerID) IsGroup() bool { return id < HostOnly }

// System messages carry SystemPrefix. Those that also carry the private bits
// are internal bookkeeping and are never shown to the message handler as is.
const (
	SystemPrefix  What = 0x80000000
	PrivatePrefix What = 0xC0000000

	JoinRequest            = SystemPrefix | 0x01
	JoinApproved           = SystemPrefix | 0x02
	JoinDenied             = SystemPrefix | 0x03
	PlayerJoined           = SystemPrefix | 0x05
	PlayerLeft             = SystemPrefix | 0x06
	GameTerminated         = SystemPrefix | 0x08
	GroupCreated           = SystemPrefix | 0x09
	GroupDeleted           = SystemPrefix | 0x0A
	PlayerAddedToGroup     = SystemPrefix | 0x0B
	PlayerRemovedFromGroup = SystemPrefix | 0x0C
	PlayerTypeChanged      = SystemPrefix | 0x0D

	createGroup           = PrivatePrefix | 0x01
	deleteGroup           = PrivatePrefix | 0x02
	addPlayerToGroup      = PrivatePrefix | 0x03
	removePlayerFromGroup = PrivatePrefix | 0x04
	pauseGame             = PrivatePrefix | 0x05
	resumeGame            = PrivatePrefix | 0x06
)

// IsSystem reports whether w is a system message.
func (w What) IsSystem() bool { return w&SystemPrefix == SystemPrefix }

// IsPrivate reports whether w is internal bookkeeping.
func (w What) IsPrivate() bool { return w&PrivatePrefix == PrivatePrefix }

var whatNames = map[What]string{
	JoinRequest:            "JoinRequest",
	JoinApproved:           "JoinApproved",
	JoinDenied:             "JoinDenied",
	PlayerJoined:           "PlayerJoined",
	PlayerLeft:             "PlayerLeft",
	GameTerminated:         "GameTerminated",
	GroupCreated:           "GroupCreated",
	GroupDeleted:           "GroupDeleted",
	PlayerAddedToGroup:     "PlayerAddedToGroup",
	PlayerRemovedFromGroup: "PlayerRemovedFromGroup",
	PlayerTypeChanged:      "PlayerTypeChanged",
	createGroup:            "CreateGroup",
	deleteGroup:            "DeleteGroup",
	addPlayerToGroup:       "AddPlayerToGroup",
	removePlayerFromGroup:  "RemovePlayerFromGroup",
	pauseGame:              "PauseGame",
	resumeGame:             "ResumeGame",
}

func (w What) String() string {
	if s, ok := whatNames[w]; ok {
		return s
	}
	if w.IsSystem() {
		return fmt.Sprintf("System(%#x)", uint32(w))
	}
	return fmt.Sprintf("User(%d)", uint32(w))
}

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 28
	// Version is written by every sender in its own byte order; a receiver
	// that reads versionSwapped knows the peer's order differs from its own.
	Version        uint32 = 0x10000000
	versionSwapped uint32 = 0x00000010

	// NameLen is the size of a length-prefixed name field, 31 usable bytes.
	NameLen = 32
	// DigestLen is the size of the password digest in a join request.
	DigestLen = 32
	// ReasonLen is the size of the length-prefixed denial reason.
	ReasonLen = 256

	playerInfoSize = 8 + NameLen
)

// wireOrder is the order this process writes. Peers on the other order are
// detected through Version and swapped on receipt.
var wireOrder binary.ByteOrder = binary.NativeEndian

// Header prefixes every message.
type Header struct {
	What       What
	From       PlayerID
	To         PlayerID
	ID         uint32
	Version    uint32
	When       uint32
	MessageLen uint32
}

func (h *Header) put(b []byte, order binary.ByteOrder) {
	order.PutUint32(b[0:], uint32(h.What))
	order.PutUint32(b[4:], uint32(h.From))
	order.PutUint32(b[8:], uint32(h.To))
	order.PutUint32(b[12:], h.ID)
	order.PutUint32(b[16:], h.Version)
	order.PutUint32(b[20:], h.When)
	order.PutUint32(b[24:], h.MessageLen)
}

func readHeader(b []byte, order binary.ByteOrder) Header {
	return Header{
		What:       What(order.Uint32(b[0:])),
		From:       PlayerID(order.Uint32(b[4:])),
		To:         PlayerID(order.Uint32(b[8:])),
		ID:         order.Uint32(b[12:]),
		Version:    order.Uint32(b[16:]),
		When:       order.Uint32(b[20:]),
		MessageLen: order.Uint32(b[24:]),
	}
}

// encodeMessage lays out h and body as one message. MessageLen and Version
// are filled in.
func encodeMessage(h Header, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	h.Version = Version
	h.MessageLen = uint32(len(buf))
	h.put(buf, wireOrder)
	copy(buf[HeaderSize:], body)
	return buf
}

// frameLen inspects the header at the start of b and returns the total
// message length in the sender's order. b must hold at least HeaderSize bytes.
func frameLen(b []byte) (int, error) {
	var n uint32
	switch wireOrder.Uint32(b[16:]) {
	case Version:
		n = wireOrder.Uint32(b[24:])
	case versionSwapped:
		n = swapped(wireOrder.Uint32(b[24:]))
	default:
		return 0, fmt.Errorf("%w: unknown version %#x", ErrBadMessage, wireOrder.Uint32(b[16:]))
	}
	if n < HeaderSize {
		return 0, fmt.Errorf("%w: message length %d below header size", ErrBadMessage, n)
	}
	return int(n), nil
}

// normalize brings a complete message into this process's byte order in
// place and returns its header.
func normalize(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than a header", ErrBadMessage, len(b))
	}
	if wireOrder.Uint32(b[16:]) == versionSwapped {
		if err := swapMessage(b, true); err != nil {
			return Header{}, err
		}
	}
	h := readHeader(b, wireOrder)
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unknown version %#x", ErrBadMessage, h.Version)
	}
	if int(h.MessageLen) != len(b) {
		return Header{}, fmt.Errorf("%w: header says %d bytes, got %d", ErrBadMessage, h.MessageLen, len(b))
	}
	return h, nil
}

func swapped(v uint32) uint32 {
	return v>>24 | (v>>8)&0xff00 | (v<<8)&0xff0000 | v<<24
}

func swapWord(b []byte, off int) error {
	if off+4 > len(b) {
		return fmt.Errorf("%w: truncated at offset %d", ErrBadMessage, off)
	}
	wireOrder.PutUint32(b[off:], swapped(wireOrder.Uint32(b[off:])))
	return nil
}

// swapCount swaps a count word and returns its value in this process's order
// when fromForeign is set, or its value before the swap otherwise.
func swapCount(b []byte, off int, fromForeign bool) (int, error) {
	if off+4 > len(b) {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrBadMessage, off)
	}
	before := wireOrder.Uint32(b[off:])
	wireOrder.PutUint32(b[off:], swapped(before))
	if fromForeign {
		return int(swapped(before)), nil
	}
	return int(before), nil
}

// swapMessage flips the header and the system payload of b between the two
// byte orders. fromForeign tells which side of the flip b is on now, which
// matters for payloads whose layout depends on counts.
func swapMessage(b []byte, fromForeign bool) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than a header", ErrBadMessage, len(b))
	}
	what := What(wireOrder.Uint32(b[0:]))
	if fromForeign {
		what = What(swapped(uint32(what)))
	}
	for off := 0; off < HeaderSize; off += 4 {
		_ = swapWord(b, off)
	}
	return swapPayload(what, b[HeaderSize:], fromForeign)
}

func swapWords(b []byte, offs ...int) error {
	for _, off := range offs {
		if err := swapWord(b, off); err != nil {
			return err
		}
	}
	return nil
}

func swapPayload(what What, p []byte, fromForeign bool) error {
	switch what {
	case JoinRequest, createGroup, deleteGroup, addPlayerToGroup, removePlayerFromGroup, PlayerTypeChanged,
		GroupCreated, GroupDeleted, PlayerAddedToGroup, PlayerRemovedFromGroup:
		return swapWords(p, 0, 4)
	case PlayerJoined:
		return swapWords(p, 0, 4, 8)
	case PlayerLeft:
		return swapWords(p, 0, 4)
	case JoinApproved:
		if err := swapWords(p, 0, 4); err != nil {
			return err
		}
		players, err := swapCount(p, 8, fromForeign)
		if err != nil {
			return err
		}
		groups, err := swapCount(p, 12, fromForeign)
		if err != nil {
			return err
		}
		off := 16
		for i := 0; i < players; i++ {
			if err := swapWords(p, off, off+4); err != nil {
				return err
			}
			off += playerInfoSize
		}
		for i := 0; i < groups; i++ {
			if err := swapWord(p, off); err != nil {
				return err
			}
			members, err := swapCount(p, off+4, fromForeign)
			if err != nil {
				return err
			}
			off += 8
			for j := 0; j < members; j++ {
				if err := swapWord(p, off); err != nil {
					return err
				}
				off += 4
			}
		}
	}
	return nil
}

func putName(b []byte, s string, size int) {
	if len(s) > size-1 {
		s = s[:size-1]
	}
	b[0] = byte(len(s))
	copy(b[1:], s)
}

func readName(b []byte) string {
	n := int(b[0])
	if n > len(b)-1 {
		n = len(b) - 1
	}
	return string(b[1 : 1+n])
}

// JoinRequestBody is the payload of JoinRequest.
type JoinRequestBody struct {
	Type       uint32
	Digest     [DigestLen]byte
	Name       string
	CustomData []byte
}

func (r *JoinRequestBody) encode() []byte {
	b := make([]byte, 8+DigestLen+NameLen+len(r.CustomData))
	wireOrder.PutUint32(b[0:], r.Type)
	wireOrder.PutUint32(b[4:], uint32(len(r.CustomData)))
	copy(b[8:], r.Digest[:])
	putName(b[8+DigestLen:], r.Name, NameLen)
	copy(b[8+DigestLen+NameLen:], r.CustomData)
	return b
}

func decodeJoinRequest(p []byte) (*JoinRequestBody, error) {
	const fixed = 8 + DigestLen + NameLen
	if len(p) < fixed {
		return nil, fmt.Errorf("%w: join request is %d bytes", ErrBadMessage, len(p))
	}
	n := int(wireOrder.Uint32(p[4:]))
	if n > len(p)-fixed {
		return nil, fmt.Errorf("%w: join request custom data overruns", ErrBadMessage)
	}
	r := &JoinRequestBody{Type: wireOrder.Uint32(p[0:]), Name: readName(p[8+DigestLen:])}
	copy(r.Digest[:], p[8:])
	if n > 0 {
		r.CustomData = append([]byte(nil), p[fixed:fixed+n]...)
	}
	return r, nil
}

// PlayerInfo describes one player. Groups is filled on lookup and never
// travels on the wire.
type PlayerInfo struct {
	ID     PlayerID
	Type   uint32
	Name   string
	Groups []GroupID
}

func putPlayerInfo(b []byte, pi *PlayerInfo) {
	wireOrder.PutUint32(b[0:], uint32(pi.ID))
	wireOrder.PutUint32(b[4:], pi.Type)
	putName(b[8:], pi.Name, NameLen)
}

func readPlayerInfo(b []byte) PlayerInfo {
	return PlayerInfo{
		ID:   PlayerID(wireOrder.Uint32(b[0:])),
		Type: wireOrder.Uint32(b[4:]),
		Name: readName(b[8:]),
	}
}

// GroupInfo describes one group and its members in join order.
type GroupInfo struct {
	ID      GroupID
	Players []PlayerID
}

// JoinApprovedBody is the payload of JoinApproved.
type JoinApprovedBody struct {
	// ReceivedTimeStamp is the host clock when the join request arrived.
	ReceivedTimeStamp uint32
	// GroupIDStartRange is the first group id the joiner may hand out.
	GroupIDStartRange GroupID
	Players           []PlayerInfo
	Groups            []GroupInfo
}

func (a *JoinApprovedBody) encode() []byte {
	size := 16 + len(a.Players)*playerInfoSize
	for _, g := range a.Groups {
		size += 8 + 4*len(g.Players)
	}
	b := make([]byte, size)
	wireOrder.PutUint32(b[0:], a.ReceivedTimeStamp)
	wireOrder.PutUint32(b[4:], uint32(a.GroupIDStartRange))
	wireOrder.PutUint32(b[8:], uint32(len(a.Players)))
	wireOrder.PutUint32(b[12:], uint32(len(a.Groups)))
	off := 16
	for i := range a.Players {
		putPlayerInfo(b[off:], &a.Players[i])
		off += playerInfoSize
	}
	for _, g := range a.Groups {
		wireOrder.PutUint32(b[off:], uint32(g.ID))
		wireOrder.PutUint32(b[off+4:], uint32(len(g.Players)))
		off += 8
		for _, id := range g.Players {
			wireOrder.PutUint32(b[off:], uint32(id))
			off += 4
		}
	}
	return b
}

func decodeJoinApproved(p []byte) (*JoinApprovedBody, error) {
	if len(p) < 16 {
		return nil, fmt.Errorf("%w: join approval is %d bytes", ErrBadMessage, len(p))
	}
	a := &JoinApprovedBody{
		ReceivedTimeStamp: wireOrder.Uint32(p[0:]),
		GroupIDStartRange: GroupID(wireOrder.Uint32(p[4:])),
	}
	players := int(wireOrder.Uint32(p[8:]))
	groups := int(wireOrder.Uint32(p[12:]))
	off := 16
	if players > (len(p)-off)/playerInfoSize {
		return nil, fmt.Errorf("%w: join approval player list overruns", ErrBadMessage)
	}
	for i := 0; i < players; i++ {
		a.Players = append(a.Players, readPlayerInfo(p[off:]))
		off += playerInfoSize
	}
	for i := 0; i < groups; i++ {
		if off+8 > len(p) {
			return nil, fmt.Errorf("%w: join approval group list overruns", ErrBadMessage)
		}
		g := GroupInfo{ID: GroupID(wireOrder.Uint32(p[off:]))}
		members := int(wireOrder.Uint32(p[off+4:]))
		off += 8
		if members > (len(p)-off)/4 {
			return nil, fmt.Errorf("%w: group %d member list overruns", ErrBadMessage, g.ID)
		}
		for j := 0; j < members; j++ {
			g.Players = append(g.Players, PlayerID(wireOrder.Uint32(p[off:])))
			off += 4
		}
		a.Groups = append(a.Groups, g)
	}
	return a, nil
}

func encodeReason(reason string) []byte {
	b := make([]byte, ReasonLen)
	putName(b, reason, ReasonLen)
	return b
}

func decodeReason(p []byte) (string, error) {
	if len(p) < ReasonLen {
		return "", fmt.Errorf("%w: join denial is %d bytes", ErrBadMessage, len(p))
	}
	return readName(p), nil
}

// PlayerJoinedBody is the payload of PlayerJoined.
type PlayerJoinedBody struct {
	PlayerCount uint32
	Player      PlayerInfo
}

func (j *PlayerJoinedBody) encode() []byte {
	b := make([]byte, 4+playerInfoSize)
	wireOrder.PutUint32(b[0:], j.PlayerCount)
	putPlayerInfo(b[4:], &j.Player)
	return b
}

func decodePlayerJoined(p []byte) (*PlayerJoinedBody, error) {
	if len(p) < 4+playerInfoSize {
		return nil, fmt.Errorf("%w: player joined is %d bytes", ErrBadMessage, len(p))
	}
	return &PlayerJoinedBody{PlayerCount: wireOrder.Uint32(p[0:]), Player: readPlayerInfo(p[4:])}, nil
}

// PlayerLeftBody is the payload of PlayerLeft.
type PlayerLeftBody struct {
	PlayerCount uint32
	Player      PlayerID
	Name        string
}

func (l *PlayerLeftBody) encode() []byte {
	b := make([]byte, 8+NameLen)
	wireOrder.PutUint32(b[0:], l.PlayerCount)
	wireOrder.PutUint32(b[4:], uint32(l.Player))
	putName(b[8:], l.Name, NameLen)
	return b
}

func decodePlayerLeft(p []byte) (*PlayerLeftBody, error) {
	if len(p) < 8+NameLen {
		return nil, fmt.Errorf("%w: player left is %d bytes", ErrBadMessage, len(p))
	}
	return &PlayerLeftBody{
		PlayerCount: wireOrder.Uint32(p[0:]),
		Player:      PlayerID(wireOrder.Uint32(p[4:])),
		Name:        readName(p[8:]),
	}, nil
}

// PairBody is the two-word payload shared by the group messages and
// PlayerTypeChanged. For group create and delete A is the group and B the
// requesting player; for membership changes A is the group and B the
// player; for type changes A is the player and B the new type.
type PairBody struct {
	A int32
	B uint32
}

func (p *PairBody) encode() []byte {
	b := make([]byte, 8)
	wireOrder.PutUint32(b[0:], uint32(p.A))
	wireOrder.PutUint32(b[4:], p.B)
	return b
}

func decodePair(p []byte) (*PairBody, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("%w: pair payload is %d bytes", ErrBadMessage, len(p))
	}
	return &PairBody{A: int32(wireOrder.Uint32(p[0:])), B: wireOrder.Uint32(p[4:])}, nil
}
