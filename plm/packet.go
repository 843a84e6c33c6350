package plm

import (
	"errors"
	"fmt"

	"github.com/abates/insteond"
)

const (
	startByte = 0x02
	ackByte   = 0x06
	nakByte   = 0x15
)

// Kind is the classification of a frame, decided once when the frame
// is decoded
type Kind int

const (
	KindOther Kind = iota
	KindEcho
	KindPureNak
	KindBroadcast
	KindX10
	KindStandard
	KindExtended
	KindLinkRecord
	KindAllLinkComplete
)

func (k Kind) String() string {
	switch k {
	case KindEcho:
		return "echo"
	case KindPureNak:
		return "pure nak"
	case KindBroadcast:
		return "broadcast"
	case KindX10:
		return "x10"
	case KindStandard:
		return "standard"
	case KindExtended:
		return "extended"
	case KindLinkRecord:
		return "link record"
	case KindAllLinkComplete:
		return "all link complete"
	}
	return "other"
}

// Names of the fields exposed by Packet.Byte and Packet.Address
const (
	FieldFromAddress    = "fromAddress"
	FieldToAddress      = "toAddress"
	FieldMessageFlags   = "messageFlags"
	FieldCommand1       = "command1"
	FieldCommand2       = "command2"
	FieldRawX10         = "rawX10"
	FieldX10Flag        = "X10Flag"
	FieldRecordFlags    = "recordFlags"
	FieldLinkGroup      = "linkGroup"
	FieldLinkAddress    = "linkAddress"
	FieldLinkData1      = "linkData1"
	FieldLinkData2      = "linkData2"
	FieldLinkData3      = "linkData3"
	FieldLinkCode       = "linkCode"
	FieldIMAddress      = "IMAddress"
	FieldDeviceCategory = "deviceCategory"
	FieldSubCategory    = "deviceSubCategory"
	FieldFirmware       = "firmwareVersion"
)

type field struct {
	offset int
	size   int
}

var insteonFields = map[string]field{
	FieldFromAddress:  {0, 3},
	FieldToAddress:    {3, 3},
	FieldMessageFlags: {6, 1},
	FieldCommand1:     {7, 1},
	FieldCommand2:     {8, 1},
}

// fieldLayouts index the payload of each frame type. The payload
// excludes the start byte, the command byte and the ack byte.
var fieldLayouts = map[Command]map[string]field{
	CmdStdMsgReceived: insteonFields,
	CmdExtMsgReceived: insteonFields,
	CmdX10MsgReceived: {
		FieldRawX10:  {0, 1},
		FieldX10Flag: {1, 1},
	},
	CmdSendX10: {
		FieldRawX10:  {0, 1},
		FieldX10Flag: {1, 1},
	},
	CmdSendInsteonMsg: {
		FieldToAddress:    {0, 3},
		FieldMessageFlags: {3, 1},
		FieldCommand1:     {4, 1},
		FieldCommand2:     {5, 1},
	},
	CmdAllLinkRecordResp: {
		FieldRecordFlags: {0, 1},
		FieldLinkGroup:   {1, 1},
		FieldLinkAddress: {2, 3},
		FieldLinkData1:   {5, 1},
		FieldLinkData2:   {6, 1},
		FieldLinkData3:   {7, 1},
	},
	CmdAllLinkComplete: {
		FieldLinkCode:       {0, 1},
		FieldLinkGroup:      {1, 1},
		FieldLinkAddress:    {2, 3},
		FieldDeviceCategory: {5, 1},
		FieldSubCategory:    {6, 1},
		FieldFirmware:       {7, 1},
	},
	CmdGetInfo: {
		FieldIMAddress:      {0, 3},
		FieldDeviceCategory: {3, 1},
		FieldSubCategory:    {4, 1},
		FieldFirmware:       {5, 1},
	},
}

// DecodeError is returned for frames that cannot be decoded. The
// stream remains usable after a DecodeError.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (de *DecodeError) Error() string {
	return fmt.Sprintf("decoding frame [%s]: %v", hexDump("%02x", de.Frame, " "), de.Err)
}

func (de *DecodeError) Unwrap() error { return de.Err }

// Packet is a single frame exchanged with the modem. Packets are not
// modified once decoded.
type Packet struct {
	Command Command
	Payload []byte
	Ack     byte
}

// ACK indicates the modem accepted the host command this frame echoes
func (p *Packet) ACK() bool {
	return p.Command.Echo() && p.Ack == ackByte
}

// NAK indicates the modem rejected the host command this frame echoes
func (p *Packet) NAK() bool {
	return p.Command.Echo() && p.Ack == nakByte
}

// Kind classifies the packet
func (p *Packet) Kind() Kind {
	switch {
	case p.Command == CmdNak:
		return KindPureNak
	case p.Command.Echo():
		return KindEcho
	case p.Command == CmdX10MsgReceived:
		return KindX10
	case p.Command == CmdAllLinkRecordResp:
		return KindLinkRecord
	case p.Command == CmdAllLinkComplete:
		return KindAllLinkComplete
	case p.Command == CmdExtMsgReceived:
		return KindExtended
	case p.Command == CmdStdMsgReceived:
		if flags, ok := p.Byte(FieldMessageFlags); ok && insteon.Flags(flags).Type().Broadcast() {
			return KindBroadcast
		}
		return KindStandard
	}
	return KindOther
}

func (p *Packet) field(name string) (field, bool) {
	f, found := fieldLayouts[p.Command][name]
	if !found || f.offset+f.size > len(p.Payload) {
		return field{}, false
	}
	return f, true
}

// Byte returns the named single byte field
func (p *Packet) Byte(name string) (byte, bool) {
	f, ok := p.field(name)
	if !ok || f.size != 1 {
		return 0, false
	}
	return p.Payload[f.offset], true
}

// Address returns the named address field
func (p *Packet) Address(name string) (insteon.Address, bool) {
	f, ok := p.field(name)
	if !ok || f.size != 3 {
		return 0, false
	}
	var addr insteon.Address
	addr.Put(p.Payload[f.offset : f.offset+3])
	return addr, true
}

// InsteonMessage decodes the insteon message carried by received
// messages and by send echoes. Send echoes have no source address.
func (p *Packet) InsteonMessage() (*insteon.Message, error) {
	buf := p.Payload
	switch p.Command {
	case CmdStdMsgReceived, CmdExtMsgReceived:
	case CmdSendInsteonMsg:
		buf = append(make([]byte, 3), buf...)
	default:
		return nil, fmt.Errorf("%v: %w", p.Command, ErrNotInsteon)
	}

	msg := &insteon.Message{}
	err := msg.UnmarshalBinary(buf)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *Packet) String() string {
	cmd := p.Command.String()
	if p.ACK() {
		cmd = fmt.Sprintf("%s ACK", cmd)
	} else if p.NAK() {
		cmd = fmt.Sprintf("%s NAK", cmd)
	}

	switch p.Command {
	case CmdStdMsgReceived, CmdExtMsgReceived, CmdSendInsteonMsg:
		if msg, err := p.InsteonMessage(); err == nil {
			return fmt.Sprintf("%-24s %v", cmd, msg)
		}
	case CmdX10MsgReceived, CmdSendX10:
		raw, _ := p.Byte(FieldRawX10)
		flag, _ := p.Byte(FieldX10Flag)
		if flag == insteon.X10FlagCommand {
			house, x10cmd := insteon.DecodeX10Command(raw)
			return fmt.Sprintf("%-24s %c %v", cmd, house, x10cmd)
		}
		return fmt.Sprintf("%-24s %v", cmd, insteon.DecodeX10Address(raw))
	}

	if len(p.Payload) == 0 {
		return fmt.Sprintf("%-24s", cmd)
	}
	return fmt.Sprintf("%-24s [%s]", cmd, hexDump("%02x", p.Payload, " "))
}

// MarshalBinary produces the frame written to the modem. The ack byte
// is only written for echo frames that carry one, which lets the
// codec reproduce modem output as well.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if p.Command == CmdNak {
		return []byte{nakByte}, nil
	}

	buf := make([]byte, 2, 2+len(p.Payload)+1)
	buf[0] = startByte
	buf[1] = byte(p.Command)
	buf = append(buf, p.Payload...)
	if p.Command.Echo() && p.Ack != 0 {
		buf = append(buf, p.Ack)
	}
	return buf, nil
}

// UnmarshalBinary decodes a complete frame sent by the modem
func (p *Packet) UnmarshalBinary(buf []byte) error {
	return p.unmarshal(buf, true)
}

func (p *Packet) unmarshal(buf []byte, fromModem bool) error {
	if len(buf) == 1 && buf[0] == nakByte && fromModem {
		*p = Packet{Command: CmdNak}
		return nil
	}

	if len(buf) < 2 || buf[0] != startByte {
		return &DecodeError{Frame: buf, Err: ErrNoSync}
	}

	cmd := Command(buf[1])
	length, found := cmd.frameLen(fromModem)
	if !found {
		return &DecodeError{Frame: buf, Err: ErrUnknownCommand}
	}

	if cmd == CmdSendInsteonMsg && len(buf) > 5 && insteon.Flags(buf[5]).Extended() {
		length += insteon.UserDataLen
	}

	if len(buf)-2 != length {
		return &DecodeError{Frame: buf, Err: fmt.Errorf("%w: %v needs %d bytes got %d", ErrFrameLength, cmd, length, len(buf)-2)}
	}

	payload := buf[2:]
	ack := byte(0)
	if fromModem && cmd.Echo() {
		ack = payload[len(payload)-1]
		payload = payload[:len(payload)-1]
	}

	*p = Packet{Command: cmd, Payload: append([]byte(nil), payload...), Ack: ack}
	return nil
}

// NewInsteonPacket wraps an insteon message in a send frame. The
// modem supplies the source address.
func NewInsteonPacket(msg *insteon.Message) (*Packet, error) {
	buf, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Packet{Command: CmdSendInsteonMsg, Payload: buf[3:]}, nil
}

// NewX10Packets returns the address frame and command frame that
// deliver cmd to addr
func NewX10Packets(addr insteon.X10Address, cmd insteon.X10Command) ([]*Packet, error) {
	rawAddr, err := insteon.EncodeX10Address(addr)
	if err != nil {
		return nil, err
	}

	rawCmd, err := insteon.EncodeX10Command(addr.House, cmd)
	if err != nil {
		return nil, err
	}

	return []*Packet{
		{Command: CmdSendX10, Payload: []byte{rawAddr, insteon.X10FlagAddress}},
		{Command: CmdSendX10, Payload: []byte{rawCmd, insteon.X10FlagCommand}},
	}, nil
}

// NewX10PresetPackets returns the frames that set an X10 dimmer to the
// given percentage
func NewX10PresetPackets(addr insteon.X10Address, percent int) ([]*Packet, error) {
	rawAddr, err := insteon.EncodeX10Address(addr)
	if err != nil {
		return nil, err
	}

	return []*Packet{
		{Command: CmdSendX10, Payload: []byte{rawAddr, insteon.X10FlagAddress}},
		{Command: CmdSendX10, Payload: []byte{insteon.X10PresetDim(percent), insteon.X10FlagCommand}},
	}, nil
}

// IsDecodeError reports whether err came from a malformed frame
// rather than from the underlying connection
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
