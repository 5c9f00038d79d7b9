package ip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
)

// responder answers beacon requests for one listener on the UDP port that
// matches the listener's TCP port.
type responder struct {
	udp  *net.UDPConn
	done chan struct{}
}

// StartAdvertising implements plugin.Advertiser.
func (m *Module) StartAdvertising(c plugin.Conn) error {
	l, err := asListener(c)
	if err != nil {
		return err
	}
	l.advMu.Lock()
	defer l.advMu.Unlock()
	if l.adv != nil {
		return nil
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.port()})
	if err != nil {
		return fmt.Errorf("%w: advertise on %d: %v", plugin.ErrOpenFailed, l.port(), err)
	}
	r := &responder{udp: udp, done: make(chan struct{})}
	l.adv = r
	go l.serveAdvertising(r)
	log.Info().Int("port", l.port()).Uint32("gameID", l.cfg.GameID).Msg("ip advertising started")
	return nil
}

// StopAdvertising implements plugin.Advertiser.
func (m *Module) StopAdvertising(c plugin.Conn) error {
	l, err := asListener(c)
	if err != nil {
		return err
	}
	l.stopAdvertising()
	return nil
}

func (l *listener) stopAdvertising() {
	l.advMu.Lock()
	r := l.adv
	l.adv = nil
	l.advMu.Unlock()
	if r != nil {
		_ = r.udp.Close()
		<-r.done
	}
}

func (l *listener) serveAdvertising(r *responder) {
	defer close(r.done)
	buf := make([]byte, 2048)
	reply := (&beacon{
		Kind:     beaconReply,
		GameID:   l.cfg.GameID,
		GameName: l.cfg.GameName,
		Port:     uint32(l.port()),
		EnumData: l.cfg.EnumData,
	}).marshal()

	for {
		n, from, err := r.udp.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("ip advertising stopped")
			}
			return
		}
		req, err := unmarshalBeacon(buf[:n])
		if err != nil || req.Kind != beaconRequest || req.GameID != l.cfg.GameID {
			continue
		}
		if _, err := r.udp.WriteToUDP(reply, from); err != nil {
			log.Debug().Err(err).Str("to", from.String()).Msg("ip beacon reply failed")
		}
	}
}

// host is one advertising listener found by enumeration.
type host struct {
	item     plugin.EnumItem
	addr     string
	port     uint16
	lastSeen time.Time
}

// enumeration tracks the hosts answering one config's requests. Replies are
// collected by a reader goroutine; callbacks run on the caller of
// IdleEnumeration.
type enumeration struct {
	cfg    *transport.NetConfig
	cb     plugin.EnumCallback
	udp    *net.UDPConn
	target *net.UDPAddr

	interval time.Duration
	expire   time.Duration
	lastSend time.Time

	mu      sync.Mutex
	inbox   []*beacon
	from    []*net.UDPAddr
	hosts   map[string]*host
	nextID  uint32
	stopped bool
	done    chan struct{}
}

// StartEnumeration implements plugin.Enumerator. Requests go to cfg's host
// and port, which may be a broadcast address where the platform allows it.
func (m *Module) StartEnumeration(cfg plugin.Config, cb plugin.EnumCallback) error {
	nc, err := netConfig(cfg)
	if err != nil {
		return err
	}
	if cb == nil {
		return plugin.ErrParam
	}
	target, err := net.ResolveUDPAddr("udp", nc.Address())
	if err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrParam, err)
	}

	m.mu.Lock()
	if _, ok := m.enums[nc]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: enumeration already running", plugin.ErrBadState)
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", plugin.ErrOpenFailed, err)
	}
	e := &enumeration{
		cfg:      nc,
		cb:       cb,
		udp:      udp,
		target:   target,
		interval: time.Duration(m.cfg.EnumIntervalMs) * time.Millisecond,
		expire:   time.Duration(m.cfg.EnumExpireMs) * time.Millisecond,
		hosts:    make(map[string]*host),
		done:     make(chan struct{}),
	}
	m.enums[nc] = e
	m.mu.Unlock()

	go e.serve()
	e.request()
	return nil
}

func (m *Module) enumerationFor(cfg plugin.Config) (*enumeration, error) {
	nc, err := netConfig(cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enums[nc]
	if !ok {
		return nil, fmt.Errorf("%w: enumeration not running", plugin.ErrBadState)
	}
	return e, nil
}

// IdleEnumeration re-sends the request when due, reports new hosts with
// EnumAdd and silent ones with EnumDelete.
func (m *Module) IdleEnumeration(cfg plugin.Config) error {
	e, err := m.enumerationFor(cfg)
	if err != nil {
		return err
	}
	e.idle(time.Now())
	return nil
}

// EndEnumeration reports EnumClear and releases the socket.
func (m *Module) EndEnumeration(cfg plugin.Config) error {
	e, err := m.enumerationFor(cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.enums, e.cfg)
	m.mu.Unlock()
	e.stop()
	e.cb(plugin.EnumClear, plugin.EnumItem{})
	return nil
}

// BindEnumerationItem points cfg at the host reported under id.
func (m *Module) BindEnumerationItem(cfg plugin.Config, id uint32) error {
	e, err := m.enumerationFor(cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.hosts {
		if h.item.ID == id {
			e.cfg.Host = h.addr
			e.cfg.Port = h.port
			return nil
		}
	}
	return fmt.Errorf("%w: no enumerated host %d", plugin.ErrParam, id)
}

func (e *enumeration) request() {
	req := (&beacon{Kind: beaconRequest, GameID: e.cfg.GameID}).marshal()
	if _, err := e.udp.WriteToUDP(req, e.target); err != nil {
		log.Debug().Err(err).Str("to", e.target.String()).Msg("ip enumeration request failed")
	}
	e.lastSend = time.Now()
}

func (e *enumeration) serve() {
	defer close(e.done)
	buf := make([]byte, 2048)
	for {
		n, from, err := e.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b, err := unmarshalBeacon(buf[:n])
		if err != nil || b.Kind != beaconReply || b.GameID != e.cfg.GameID {
			continue
		}
		e.mu.Lock()
		if !e.stopped {
			e.inbox = append(e.inbox, b)
			e.from = append(e.from, from)
		}
		e.mu.Unlock()
	}
}

func (e *enumeration) idle(now time.Time) {
	if now.Sub(e.lastSend) >= e.interval {
		e.request()
	}

	var added, removed []plugin.EnumItem
	e.mu.Lock()
	for i, b := range e.inbox {
		addr := e.from[i].IP.String()
		if b.Host != "" {
			addr = b.Host
		}
		port := uint16(b.Port)
		key := net.JoinHostPort(addr, strconv.Itoa(int(port)))
		h, ok := e.hosts[key]
		if !ok {
			e.nextID++
			h = &host{
				item: plugin.EnumItem{ID: e.nextID, Name: b.GameName, CustomData: b.EnumData},
				addr: addr,
				port: port,
			}
			e.hosts[key] = h
			added = append(added, h.item)
		}
		h.lastSeen = now
	}
	e.inbox = e.inbox[:0]
	e.from = e.from[:0]
	for key, h := range e.hosts {
		if now.Sub(h.lastSeen) > e.expire {
			delete(e.hosts, key)
			removed = append(removed, h.item)
		}
	}
	e.mu.Unlock()

	for _, it := range added {
		e.cb(plugin.EnumAdd, it)
	}
	for _, it := range removed {
		e.cb(plugin.EnumDelete, it)
	}
}

func (e *enumeration) stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	_ = e.udp.Close()
	<-e.done
}
