package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/table"

	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/session"
)

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(header)
	return t
}

func capabilities(c plugin.Capability) string {
	var out []string
	for _, f := range []struct {
		bit  plugin.Capability
		name string
	}{
		{plugin.CapStream, "stream"},
		{plugin.CapDatagram, "datagram"},
		{plugin.CapExpedited, "expedited"},
		{plugin.CapIdleRequired, "idle"},
		{plugin.CapAdvertise, "advertise"},
		{plugin.CapEnumerate, "enumerate"},
	} {
		if c.Has(f.bit) {
			out = append(out, f.name)
		}
	}
	return strings.Join(out, ",")
}

// RenderModules lists discovered modules in discovery order, which is also
// the index order of IndexedInfo.
func RenderModules(infos []plugin.Info) string {
	t := newTable(table.Row{"#", "Type", "Name", "Max packet", "Max endpoints", "Capabilities", "Location"})
	for i, info := range infos {
		loc := info.Location
		if loc == "" {
			loc = "built-in"
		}
		t.AppendRow(table.Row{i, info.Type.String(), info.Name, info.MaxPacketSize, info.MaxEndpoints, capabilities(info.Flags), loc})
	}
	return t.Render()
}

// RenderPlayers lists players with their groups.
func RenderPlayers(players []session.PlayerInfo, me session.PlayerID) string {
	t := newTable(table.Row{"ID", "Name", "Type", "Groups", ""})
	for _, p := range players {
		mark := ""
		if p.ID == me {
			mark = "you"
		}
		t.AppendRow(table.Row{p.ID, p.Name, p.Type, joinIDs(p.Groups), mark})
	}
	return t.Render()
}

// RenderGroups lists groups with their members.
func RenderGroups(groups []session.GroupInfo) string {
	t := newTable(table.Row{"Group", "Members"})
	for _, g := range groups {
		t.AppendRow(table.Row{g.ID, joinIDs(g.Players)})
	}
	return t.Render()
}

// RenderMessages lists messages pulled off the event queue.
func RenderMessages(msgs []*session.Message) string {
	t := newTable(table.Row{"ID", "What", "From", "To", "When", "Payload"})
	for _, m := range msgs {
		t.AppendRow(table.Row{m.ID, m.What.String(), m.From, m.To, m.When, payload(m)})
	}
	return t.Render()
}

// RenderEnumeration lists hosts found by enumeration, sorted by item id.
func RenderEnumeration(items map[uint32]plugin.EnumItem) string {
	ids := make([]uint32, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	t := newTable(table.Row{"Item", "Game", "Custom data"})
	for _, id := range ids {
		it := items[id]
		t.AppendRow(table.Row{id, it.Name, fmt.Sprintf("%d bytes", len(it.CustomData))})
	}
	return t.Render()
}

// RenderStatus summarizes a game and its queues.
func RenderStatus(info session.GameInfo, free, cookie, events int, differential int32) string {
	t := newTable(table.Row{"Field", "Value"})
	maxPlayers := "unlimited"
	if info.MaxPlayers > 0 {
		maxPlayers = fmt.Sprint(info.MaxPlayers)
	}
	for _, row := range []table.Row{
		{"Game", info.Name},
		{"State", info.State.String()},
		{"My ID", info.MyID},
		{"Players", fmt.Sprintf("%d / %s", info.CurrentPlayers, maxPlayers)},
		{"Groups", info.CurrentGroups},
		{"Clock differential", fmt.Sprintf("%d ms", differential)},
		{"Queues free/cookie/event", fmt.Sprintf("%d/%d/%d", free, cookie, events)},
	} {
		t.AppendRow(row)
	}
	return t.Render()
}

func joinIDs(ids []session.PlayerID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(int32(id))
	}
	return strings.Join(parts, ",")
}

func payload(m *session.Message) string {
	switch m.What {
	case session.PlayerJoined:
		if j, err := m.PlayerJoined(); err == nil {
			return fmt.Sprintf("%s (%d), %d players", j.Player.Name, j.Player.ID, j.PlayerCount)
		}
	case session.PlayerLeft:
		if l, err := m.PlayerLeft(); err == nil {
			return fmt.Sprintf("%s (%d), %d players", l.Name, l.Player, l.PlayerCount)
		}
	case session.JoinDenied:
		if reason, err := m.JoinDenied(); err == nil {
			return reason
		}
	case session.JoinApproved:
		if a, err := m.JoinApproved(); err == nil {
			return fmt.Sprintf("%d players, %d groups", len(a.Players), len(a.Groups))
		}
	case session.PlayerTypeChanged:
		if p, err := m.Pair(); err == nil {
			return fmt.Sprintf("player %d type %d", p.A, p.B)
		}
	}
	if m.What.IsSystem() {
		return ""
	}
	return string(m.Data)
}
