package plm

import (
	"bufio"
	"io"

	"github.com/abates/insteond"
	"github.com/tarm/serial"
)

// Opener opens the connection to the modem. Each call must return a
// fresh connection.
type Opener func() (io.ReadWriteCloser, error)

// SerialOpener opens the named serial port at the given baud rate.
// PLMs use 19200 baud.
func SerialOpener(name string, baud int) Opener {
	if baud == 0 {
		baud = 19200
	}

	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	}
}

// packetReader splits a byte stream into frames. fromModem selects
// between modem output (echoes carry an ack byte, lone NAKs are
// frames) and host output.
type packetReader struct {
	in        *bufio.Reader
	fromModem bool
}

func newPacketReader(r io.Reader, fromModem bool) *packetReader {
	return &packetReader{in: bufio.NewReader(r), fromModem: fromModem}
}

// sync discards bytes up to the next start byte and returns the
// command byte that follows it. A lone NAK from the modem is returned
// as CmdNak. n is the number of bytes consumed.
func (pr *packetReader) sync() (cmd Command, n int, err error) {
	for {
		var b byte
		b, err = pr.in.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++

		if b == nakByte && pr.fromModem {
			return CmdNak, n, nil
		}

		if b != startByte {
			continue
		}

		b, err = pr.in.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++
		return Command(b), n, nil
	}
}

// ReadPacket returns the next frame. Malformed frames are returned as
// *DecodeError and the reader resynchronises on the next call. Any
// other error comes from the underlying reader.
func (pr *packetReader) ReadPacket() (*Packet, error) {
	cmd, _, err := pr.sync()
	if err != nil {
		return nil, err
	}

	if cmd == CmdNak {
		return &Packet{Command: CmdNak}, nil
	}

	length, found := cmd.frameLen(pr.fromModem)
	if !found {
		// the unknown byte may itself be the start of the next frame
		_ = pr.in.UnreadByte()
		return nil, &DecodeError{Frame: []byte{startByte, byte(cmd)}, Err: ErrUnknownCommand}
	}

	buf := make([]byte, 2+length)
	buf[0] = startByte
	buf[1] = byte(cmd)
	if _, err = io.ReadFull(pr.in, buf[2:]); err != nil {
		return nil, err
	}

	// send echoes of extended messages carry the 14 byte user data
	if cmd == CmdSendInsteonMsg && length >= 4 && insteon.Flags(buf[5]).Extended() {
		ext := make([]byte, insteon.UserDataLen)
		if _, err = io.ReadFull(pr.in, ext); err != nil {
			return nil, err
		}

		buf = append(buf, ext...)
	}

	packet := &Packet{}
	if err = packet.unmarshal(buf, pr.fromModem); err != nil {
		return nil, err
	}
	return packet, nil
}
