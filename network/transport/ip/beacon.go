package ip

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	beaconRequest uint64 = 1
	beaconReply   uint64 = 2
)

// beacon fields
const (
	fieldKind     protowire.Number = 1
	fieldGameID   protowire.Number = 2
	fieldGameName protowire.Number = 3
	fieldHost     protowire.Number = 4
	fieldPort     protowire.Number = 5
	fieldEnumData protowire.Number = 6
)

var errBadBeacon = errors.New("malformed beacon")

// beacon is the enumeration datagram: a request carries the game id, a reply
// describes the advertising host.
type beacon struct {
	Kind     uint64
	GameID   uint32
	GameName string
	Host     string
	Port     uint32
	EnumData []byte
}

func (b *beacon) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Kind)
	buf = protowire.AppendTag(buf, fieldGameID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.GameID))
	if b.GameName != "" {
		buf = protowire.AppendTag(buf, fieldGameName, protowire.BytesType)
		buf = protowire.AppendString(buf, b.GameName)
	}
	if b.Host != "" {
		buf = protowire.AppendTag(buf, fieldHost, protowire.BytesType)
		buf = protowire.AppendString(buf, b.Host)
	}
	if b.Port != 0 {
		buf = protowire.AppendTag(buf, fieldPort, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(b.Port))
	}
	if len(b.EnumData) > 0 {
		buf = protowire.AppendTag(buf, fieldEnumData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.EnumData)
	}
	return buf
}

func unmarshalBeacon(buf []byte) (*beacon, error) {
	b := &beacon{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadBeacon, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldGameID || num == fieldPort):
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errBadBeacon, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case fieldKind:
				b.Kind = v
			case fieldGameID:
				b.GameID = uint32(v)
			case fieldPort:
				b.Port = uint32(v)
			}
		case typ == protowire.BytesType && (num == fieldGameName || num == fieldHost || num == fieldEnumData):
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errBadBeacon, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case fieldGameName:
				b.GameName = string(v)
			case fieldHost:
				b.Host = string(v)
			case fieldEnumData:
				b.EnumData = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errBadBeacon, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	if b.Kind != beaconRequest && b.Kind != beaconReply {
		return nil, fmt.Errorf("%w: kind %d", errBadBeacon, b.Kind)
	}
	return b, nil
}

// handshake body: the sender's UDP port.
func marshalHandshake(udpPort int) []byte {
	buf := protowire.AppendTag(nil, fieldPort, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(udpPort))
}

func unmarshalHandshake(buf []byte) (int, error) {
	num, typ, n := protowire.ConsumeTag(buf)
	if n < 0 || num != fieldPort || typ != protowire.VarintType {
		return 0, errBadBeacon
	}
	v, m := protowire.ConsumeVarint(buf[n:])
	if m < 0 || v == 0 || v > 0xffff {
		return 0, errBadBeacon
	}
	return int(v), nil
}
