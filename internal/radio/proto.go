package radio

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PortNum values from the Meshtastic portnums enum that the driver uses.
const (
	PortTextMessage uint32 = 1
	PortNodeInfo    uint32 = 4
)

// Broadcast is the destination number addressing every node.
const Broadcast uint32 = 0xFFFFFFFF

// MeshPacket is the subset of the Meshtastic MeshPacket message the bridge reads and writes.
type MeshPacket struct {
	From     uint32
	To       uint32
	Channel  uint32
	ID       uint32
	RxTime   uint32
	HopLimit uint32
	WantAck  bool
	Decoded  *Data
}

type Data struct {
	PortNum uint32
	Payload []byte
}

type User struct {
	ID        string
	LongName  string
	ShortName string
}

type NodeInfo struct {
	Num  uint32
	User *User
}

// FromRadio is one message from the device. At most one variant is set.
type FromRadio struct {
	Packet           *MeshPacket
	MyNodeNum        uint32
	HasMyInfo        bool
	NodeInfo         *NodeInfo
	ConfigCompleteID uint32
	Rebooted         bool
}

// field numbers
const (
	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3

	fromRadioPacket         protowire.Number = 2
	fromRadioMyInfo         protowire.Number = 3
	fromRadioNodeInfo       protowire.Number = 4
	fromRadioConfigComplete protowire.Number = 7
	fromRadioRebooted       protowire.Number = 8

	packetFrom     protowire.Number = 1
	packetTo       protowire.Number = 2
	packetChannel  protowire.Number = 3
	packetDecoded  protowire.Number = 4
	packetID       protowire.Number = 6
	packetRxTime   protowire.Number = 7
	packetHopLimit protowire.Number = 9
	packetWantAck  protowire.Number = 10

	dataPortNum protowire.Number = 1
	dataPayload protowire.Number = 2

	myInfoNodeNum protowire.Number = 1

	nodeInfoNum  protowire.Number = 1
	nodeInfoUser protowire.Number = 2

	userID        protowire.Number = 1
	userLongName  protowire.Number = 2
	userShortName protowire.Number = 3
)

type field struct {
	num   protowire.Number
	typ   protowire.Type
	value uint64 // varint and fixed types
	bytes []byte // length-delimited
}

// walkFields calls fn for every field in b. Groups are skipped.
func walkFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.value = uint64(v)
		case protowire.Fixed64Type:
			f.value, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeFromRadio(b []byte) (*FromRadio, error) {
	msg := &FromRadio{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case fromRadioPacket:
			p, err := decodeMeshPacket(f.bytes)
			if err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			msg.Packet = p
		case fromRadioMyInfo:
			msg.HasMyInfo = true
			return walkFields(f.bytes, func(f field) error {
				if f.num == myInfoNodeNum {
					msg.MyNodeNum = uint32(f.value)
				}
				return nil
			})
		case fromRadioNodeInfo:
			ni, err := decodeNodeInfo(f.bytes)
			if err != nil {
				return fmt.Errorf("node_info: %w", err)
			}
			msg.NodeInfo = ni
		case fromRadioConfigComplete:
			msg.ConfigCompleteID = uint32(f.value)
		case fromRadioRebooted:
			msg.Rebooted = f.value != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case packetFrom:
			p.From = uint32(f.value)
		case packetTo:
			p.To = uint32(f.value)
		case packetChannel:
			p.Channel = uint32(f.value)
		case packetID:
			p.ID = uint32(f.value)
		case packetRxTime:
			p.RxTime = uint32(f.value)
		case packetHopLimit:
			p.HopLimit = uint32(f.value)
		case packetWantAck:
			p.WantAck = f.value != 0
		case packetDecoded:
			d := &Data{}
			if err := walkFields(f.bytes, func(f field) error {
				switch f.num {
				case dataPortNum:
					d.PortNum = uint32(f.value)
				case dataPayload:
					d.Payload = append([]byte(nil), f.bytes...)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("decoded: %w", err)
			}
			p.Decoded = d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case nodeInfoNum:
			ni.Num = uint32(f.value)
		case nodeInfoUser:
			u, err := decodeUser(f.bytes)
			if err != nil {
				return err
			}
			ni.User = u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ni, nil
}

func decodeUser(b []byte) (*User, error) {
	u := &User{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case userID:
			u.ID = string(f.bytes)
		case userLongName:
			u.LongName = string(f.bytes)
		case userShortName:
			u.ShortName = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func appendMeshPacket(b []byte, p *MeshPacket) []byte {
	if p.From != 0 {
		b = protowire.AppendTag(b, packetFrom, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.From)
	}
	b = protowire.AppendTag(b, packetTo, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, p.To)
	if p.Channel != 0 {
		b = protowire.AppendTag(b, packetChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Channel))
	}
	if p.Decoded != nil {
		var d []byte
		d = protowire.AppendTag(d, dataPortNum, protowire.VarintType)
		d = protowire.AppendVarint(d, uint64(p.Decoded.PortNum))
		d = protowire.AppendTag(d, dataPayload, protowire.BytesType)
		d = protowire.AppendBytes(d, p.Decoded.Payload)
		b = protowire.AppendTag(b, packetDecoded, protowire.BytesType)
		b = protowire.AppendBytes(b, d)
	}
	if p.ID != 0 {
		b = protowire.AppendTag(b, packetID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.ID)
	}
	if p.RxTime != 0 {
		b = protowire.AppendTag(b, packetRxTime, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.RxTime)
	}
	if p.HopLimit != 0 {
		b = protowire.AppendTag(b, packetHopLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = protowire.AppendTag(b, packetWantAck, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func encodeToRadioPacket(p *MeshPacket) []byte {
	var b []byte
	b = protowire.AppendTag(b, toRadioPacket, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMeshPacket(nil, p))
	return b
}

func encodeWantConfig(id uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, toRadioWantConfigID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	return b
}
