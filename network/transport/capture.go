package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const captureSnapLen = 65535

// Capture writes module traffic to a pcap file. Packets are synthesized as
// raw IPv4 with a TCP or UDP header so standard tools can follow the streams.
type Capture struct {
	mu  sync.Mutex
	f   *os.File
	w   *pcapgo.Writer
	seq map[string]uint32
}

// OpenCapture creates path and writes the pcap file header.
func OpenCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeRaw); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &Capture{f: f, w: w, seq: make(map[string]uint32)}, nil
}

// WriteStream records payload as a TCP segment from src to dst.
func (c *Capture) WriteStream(src, dst net.Addr, payload []byte) {
	if c == nil {
		return
	}
	sip, sport := splitAddr(src)
	dip, dport := splitAddr(dst)
	key := fmt.Sprintf("%s:%d>%s:%d", sip, sport, dip, dport)

	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq[key]
	c.seq[key] = seq + uint32(len(payload))

	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: sip, DstIP: dip}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Seq: seq, PSH: true, ACK: true, Window: 65535}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	c.write(ip, tcp, payload)
}

// WriteDatagram records payload as a UDP datagram from src to dst.
func (c *Capture) WriteDatagram(src, dst net.Addr, payload []byte) {
	if c == nil {
		return
	}
	sip, sport := splitAddr(src)
	dip, dport := splitAddr(dst)

	c.mu.Lock()
	defer c.mu.Unlock()
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: sip, DstIP: dip}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	c.write(ip, udp, payload)
}

func (c *Capture) write(ip *layers.IPv4, l4 gopacket.SerializableLayer, payload []byte) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, l4, gopacket.Payload(payload)); err != nil {
		return
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}
	if len(data) > captureSnapLen {
		ci.CaptureLength = captureSnapLen
		data = data[:captureSnapLen]
	}
	_ = c.w.WritePacket(ci, data)
}

// Close flushes and closes the file.
func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}

func splitAddr(a net.Addr) (net.IP, uint16) {
	var ip net.IP
	var port int
	switch v := a.(type) {
	case *net.TCPAddr:
		ip, port = v.IP, v.Port
	case *net.UDPAddr:
		ip, port = v.IP, v.Port
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4, uint16(port)
	}
	return net.IPv4(127, 0, 0, 1).To4(), uint16(port)
}
