package plm

import "fmt"

// Command is the second byte of every PLM frame and identifies the
// frame type
type Command byte

var (
	commandNames = make(map[Command]string)

	// commandLens is the number of bytes following the command byte
	// in frames sent by the modem, including the trailing ack byte
	// of command echoes
	commandLens = make(map[Command]int)

	// hostLens holds the request length of commands whose echo
	// carries a reply rather than repeating the request
	hostLens = map[Command]int{0x60: 0, 0x73: 0}
)

func newCommand(name string, cmd byte, length int) Command {
	commandNames[Command(cmd)] = name
	commandLens[Command(cmd)] = length
	return Command(cmd)
}

func (c Command) String() string {
	if name, found := commandNames[c]; found {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", byte(c))
}

// Echo indicates frames the modem sends in reply to a host command
func (c Command) Echo() bool {
	return 0x60 <= c && c <= 0x7f
}

// frameLen is the number of bytes following the command byte. Echo
// frames carry an extra ack byte that host requests do not.
func (c Command) frameLen(fromModem bool) (int, bool) {
	length, found := commandLens[c]
	if found && !fromModem && c.Echo() {
		if n, found := hostLens[c]; found {
			return n, true
		}
		length--
	}
	return length, found
}

var (
	CmdNak                   = newCommand("NAK", 0x15, 0)
	CmdStdMsgReceived        = newCommand("Std Msg Received", 0x50, 9)
	CmdExtMsgReceived        = newCommand("Ext Msg Received", 0x51, 23)
	CmdX10MsgReceived        = newCommand("X10 Msg Received", 0x52, 2)
	CmdAllLinkComplete       = newCommand("All Link Complete", 0x53, 8)
	CmdButtonEventReport     = newCommand("Button Event Report", 0x54, 1)
	CmdUserResetDetected     = newCommand("User Reset Detected", 0x55, 0)
	CmdAllLinkCleanupFailure = newCommand("Link Cleanup Report", 0x56, 5)
	CmdAllLinkRecordResp     = newCommand("Link Record Resp", 0x57, 8)
	CmdAllLinkCleanupStatus  = newCommand("Link Cleanup Status", 0x58, 1)
	CmdGetInfo               = newCommand("Get Info", 0x60, 7)
	CmdSendAllLink           = newCommand("Send All Link", 0x61, 4)
	CmdSendInsteonMsg        = newCommand("Send INSTEON Msg", 0x62, 7)
	CmdSendX10               = newCommand("Send X10 Msg", 0x63, 3)
	CmdStartAllLink          = newCommand("Start All Link", 0x64, 3)
	CmdCancelAllLink         = newCommand("Cancel All Link", 0x65, 1)
	CmdSetHostCategory       = newCommand("Set Host Category", 0x66, 4)
	CmdReset                 = newCommand("Reset", 0x67, 1)
	CmdSetAckMsg             = newCommand("Set ACK Msg", 0x68, 2)
	CmdGetFirstAllLink       = newCommand("Get First All Link", 0x69, 1)
	CmdGetNextAllLink        = newCommand("Get Next All Link", 0x6a, 1)
	CmdSetConfig             = newCommand("Set Config", 0x6b, 2)
	CmdGetAllLinkForSender   = newCommand("Get Sender All Link", 0x6c, 1)
	CmdLedOn                 = newCommand("LED On", 0x6d, 1)
	CmdLedOff                = newCommand("LED Off", 0x6e, 1)
	CmdManageAllLinkRecord   = newCommand("Manage All Link Record", 0x6f, 10)
	CmdSetNakMsgByte         = newCommand("Set NAK Msg Byte", 0x70, 2)
	CmdSetNakMsgTwoBytes     = newCommand("Set NAK Msg Two Bytes", 0x71, 3)
	CmdRfSleep               = newCommand("RF Sleep", 0x72, 1)
	CmdGetConfig             = newCommand("Get Config", 0x73, 4)
)
