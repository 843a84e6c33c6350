package insteon

import (
	"fmt"
	"strconv"
)

// Command is the two byte command (cmd1, cmd2) carried by every
// insteon message
type Command uint16

// Common insteon commands. The second byte of most of these is a
// parameter and is usually replaced with SubCommand
const (
	CmdAssignToAllLinkGroup   Command = 0x0100
	CmdDeleteFromAllLinkGroup Command = 0x0200
	CmdProductDataReq         Command = 0x0300
	CmdAllLinkSuccessReport   Command = 0x0600
	CmdExitLinkingMode        Command = 0x0800
	CmdEnterLinkingMode       Command = 0x0900
	CmdGetEngineVersion       Command = 0x0d00
	CmdPing                   Command = 0x0f00
	CmdIDRequest              Command = 0x1000
	CmdLightOn                Command = 0x1100
	CmdLightOnFast            Command = 0x1200
	CmdLightOff               Command = 0x1300
	CmdLightOffFast           Command = 0x1400
	CmdLightBrighten          Command = 0x1500
	CmdLightDim               Command = 0x1600
	CmdLightStartManual       Command = 0x1700
	CmdLightStopManual        Command = 0x1800
	CmdLightStatusRequest     Command = 0x1900
	CmdGetOperatingFlags      Command = 0x1f00
	CmdSetOperatingFlags      Command = 0x2000
	CmdLightInstantChange     Command = 0x2100
	CmdLightOnAtRamp          Command = 0x2e00
	CmdLightOffAtRamp         Command = 0x2f00
)

var cmdStrings = map[Command]string{
	CmdAssignToAllLinkGroup:   "Assign to All-Link Group",
	CmdDeleteFromAllLinkGroup: "Delete from All-Link Group",
	CmdProductDataReq:         "Product Data Request",
	CmdAllLinkSuccessReport:   "All-Link Success Report",
	CmdExitLinkingMode:        "Exit Linking Mode",
	CmdEnterLinkingMode:       "Enter Linking Mode",
	CmdGetEngineVersion:       "Engine Version",
	CmdPing:                   "Ping",
	CmdIDRequest:              "ID Request",
	CmdLightOn:                "Light On",
	CmdLightOnFast:            "Light On Fast",
	CmdLightOff:               "Light Off",
	CmdLightOffFast:           "Light Off Fast",
	CmdLightBrighten:          "Brighten",
	CmdLightDim:               "Dim",
	CmdLightStartManual:       "Start Manual Change",
	CmdLightStopManual:        "Stop Manual Change",
	CmdLightStatusRequest:     "Status Request",
	CmdGetOperatingFlags:      "Get Operating Flags",
	CmdSetOperatingFlags:      "Set Operating Flags",
	CmdLightInstantChange:     "Instant Change",
	CmdLightOnAtRamp:          "On At Ramp",
	CmdLightOffAtRamp:         "Off At Ramp",
}

// NewCommand builds a command from its two bytes
func NewCommand(cmd1, cmd2 byte) Command {
	return Command(uint16(cmd1)<<8 | uint16(cmd2))
}

// SubCommand will return a new command where the subcommand byte is updated
// to reflect command2 from the arguments
func (cmd Command) SubCommand(command2 int) Command {
	return (cmd & 0xff00) | (0xff & Command(command2))
}

// Set satisfies flag.Value and sets the second command byte
func (cmd *Command) Set(value string) error {
	i, err := strconv.Atoi(value)
	if err == nil {
		*cmd = cmd.SubCommand(i)
	}
	return err
}

// Command1 is the first command byte
func (cmd Command) Command1() byte {
	return byte(cmd >> 8)
}

// Command2 is the second command byte
func (cmd Command) Command2() byte {
	return byte(cmd)
}

func (cmd Command) String() string {
	if str, found := cmdStrings[cmd]; found {
		return str
	} else if str, found := cmdStrings[cmd&0xff00]; found {
		return fmt.Sprintf("%s(%d)", str, cmd.Command2())
	}
	return fmt.Sprintf("Command(0x%02x, 0x%02x)", cmd.Command1(), cmd.Command2())
}
