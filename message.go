package insteon

import "strings"

// MessageType is an integer representing the type of message
// (direct, broadcast, ack, nak, etc)
type MessageType byte

// All of the valid message types
const (
	MsgTypeDirect            MessageType = iota // D
	MsgTypeDirectAck                            // D Ack
	MsgTypeAllLinkCleanup                       // C
	MsgTypeAllLinkCleanupAck                    // C Ack
	MsgTypeBroadcast                            // B
	MsgTypeDirectNak                            // D NAK
	MsgTypeAllLinkBroadcast                     // A
	MsgTypeAllLinkCleanupNak                    // C NAK
)

func (m MessageType) String() string {
	str := "unknown"
	switch m {
	case MsgTypeDirect:
		str = "D"
	case MsgTypeDirectAck:
		str = "D Ack"
	case MsgTypeAllLinkCleanup:
		str = "C"
	case MsgTypeAllLinkCleanupAck:
		str = "C Ack"
	case MsgTypeBroadcast:
		str = "B"
	case MsgTypeDirectNak:
		str = "D NAK"
	case MsgTypeAllLinkBroadcast:
		str = "A"
	case MsgTypeAllLinkCleanupNak:
		str = "C NAK"
	}

	return str
}

// Broadcast will indicate whether the MessageType represents a broadcast message
func (m MessageType) Broadcast() bool {
	return m == MsgTypeBroadcast || m == MsgTypeAllLinkBroadcast
}

// Flags for common message types
const (
	StandardBroadcast        = Flags(0x8f)
	StandardAllLinkBroadcast = Flags(0xcf)
	StandardDirectMessage    = Flags(0x0f)
	StandardDirectAck        = Flags(0x2f)
	StandardDirectNak        = Flags(0xaf)
	ExtendedDirectMessage    = Flags(0x1f)
	ExtendedDirectAck        = Flags(0x3f)
	ExtendedDirectNak        = Flags(0xbf)
)

// Flags is the flags byte in an insteon message
type Flags byte

// NewFlags builds a flags byte from the message type, the extended bit
// and the hop counts
func NewFlags(t MessageType, extended bool, hopsLeft, maxHops int) Flags {
	f := Flags(t&0x07) << 5
	if extended {
		f |= 0x10
	}
	return f | Flags(hopsLeft&0x03)<<2 | Flags(maxHops&0x03)
}

// Type will return the MessageType of the flags
func (f Flags) Type() MessageType { return MessageType((f & 0xe0) >> 5) }

// Standard will indicate if the insteon message is standard length
func (f Flags) Standard() bool { return f&0x10 == 0x00 }

// Extended will indicate if the insteon message is extended length
func (f Flags) Extended() bool { return f&0x10 == 0x10 }

// TTL is the remaining number of times an insteon message will be
// retransmitted. This is decremented each time a message is repeated
func (f Flags) TTL() int { return int((f & 0x0c) >> 2) }

// MaxTTL is the maximum number of times a message can be repeated
func (f Flags) MaxTTL() int { return int(f & 0x03) }

func (f Flags) String() string {
	msg := "S"
	if f.Extended() {
		msg = "E"
	}

	return sprintf("%s%-5s %d:%d", msg, f.Type(), f.MaxTTL(), f.TTL())
}

// Message is a single insteon message
type Message struct {
	Src     Address
	Dst     Address
	Flags   Flags
	Command Command
	Payload []byte
}

// Ack indicates the message is a direct or cleanup acknowledgement
func (m *Message) Ack() bool {
	t := m.Flags.Type()
	return t == MsgTypeDirectAck || t == MsgTypeAllLinkCleanupAck
}

// Nak indicates the message is a direct or cleanup negative acknowledgement
func (m *Message) Nak() bool {
	t := m.Flags.Type()
	return t == MsgTypeDirectNak || t == MsgTypeAllLinkCleanupNak
}

// Broadcast indicates either a device broadcast or an all-link broadcast
func (m *Message) Broadcast() bool {
	return m.Flags.Type().Broadcast()
}

// Group returns the all-link group of group broadcast and cleanup
// messages. Broadcasts carry the group in the low destination byte
// while cleanups carry it in cmd2.
func (m *Message) Group() (Group, bool) {
	switch m.Flags.Type() {
	case MsgTypeAllLinkBroadcast:
		return Group(byte(m.Dst)), true
	case MsgTypeAllLinkCleanup, MsgTypeAllLinkCleanupAck, MsgTypeAllLinkCleanupNak:
		return Group(m.Command.Command2()), true
	}
	return 0, false
}

// MarshalBinary will convert the Message to a byte slice appropriate for
// sending out onto the insteon network
func (m *Message) MarshalBinary() (data []byte, err error) {
	data = make([]byte, StandardMsgLen)
	copy(data[0:3], m.Src.Bytes())
	copy(data[3:6], m.Dst.Bytes())
	data[6] = byte(m.Flags)
	data[7] = m.Command.Command1()
	data[8] = m.Command.Command2()
	if m.Flags.Extended() {
		data = append(data, make([]byte, UserDataLen)...)
		copy(data[9:23], m.Payload)
	}

	return data, err
}

// UnmarshalBinary will take a byte slice and unmarshal it into the Message
// fields
func (m *Message) UnmarshalBinary(data []byte) (err error) {
	if len(data) < StandardMsgLen {
		return newBufError(ErrBufferTooShort, StandardMsgLen, len(data))
	}
	m.Src.Put(data[0:3])
	m.Dst.Put(data[3:6])
	m.Flags = Flags(data[6])
	m.Command = NewCommand(data[7], data[8])
	m.Payload = nil

	if m.Flags.Extended() {
		if len(data) < ExtendedMsgLen {
			return newBufError(ErrBufferTooShort, ExtendedMsgLen, len(data))
		}
		m.Payload = make([]byte, UserDataLen)
		copy(m.Payload, data[9:ExtendedMsgLen])
	}
	return err
}

func (m *Message) String() string {
	var str string
	if m.Flags.Type() == MsgTypeAllLinkBroadcast {
		str = sprintf("%s -> ff.ff.ff %v Group(%d)", m.Src, m.Flags, byte(m.Dst))
	} else {
		str = sprintf("%s -> %s %v", m.Src, m.Dst, m.Flags)
	}

	// acks echo the ALDB delta or level in cmd2 so the
	// command name would be misleading
	if m.Ack() {
		str = sprintf("%s 0x%02x 0x%02x", str, m.Command.Command1(), m.Command.Command2())
	} else {
		str = sprintf("%s %v", str, m.Command)
	}

	if m.Flags.Extended() {
		payloadStr := make([]string, len(m.Payload))
		for i, value := range m.Payload {
			payloadStr[i] = sprintf("%02x", value)
		}
		str = sprintf("%s [%v]", str, strings.Join(payloadStr, " "))
	}
	return str
}
