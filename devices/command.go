package devices

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandKind identifies what a Command asks a feature to do
type CommandKind int

// Supported command kinds
const (
	CmdOn CommandKind = iota
	CmdOff
	CmdPercent
	CmdIncrease
	CmdDecrease
	CmdRefresh
)

var commandKindNames = map[CommandKind]string{
	CmdOn:       "ON",
	CmdOff:      "OFF",
	CmdPercent:  "PERCENT",
	CmdIncrease: "INCREASE",
	CmdDecrease: "DECREASE",
	CmdRefresh:  "REFRESH",
}

func (ck CommandKind) String() string {
	if name, found := commandKindNames[ck]; found {
		return name
	}
	return fmt.Sprintf("CommandKind(%d)", int(ck))
}

// Command is a request to change or refresh the state of a feature
type Command struct {
	Kind    CommandKind
	Percent int
}

// Percent returns a command that sets a level between 0 and 100
func Percent(n int) Command {
	return Command{Kind: CmdPercent, Percent: n}
}

func (c Command) String() string {
	if c.Kind == CmdPercent {
		return strconv.Itoa(c.Percent)
	}
	return c.Kind.String()
}

// ParseCommand accepts ON, OFF, INCREASE, DECREASE, REFRESH, a number
// between 0 and 100 or PERCENT followed by a number. Case is ignored.
func ParseCommand(str string) (Command, error) {
	fields := strings.Fields(strings.ToUpper(str))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	if len(fields) == 2 && fields[0] == "PERCENT" {
		fields = fields[1:]
	}

	if len(fields) == 1 {
		for kind, name := range commandKindNames {
			if kind != CmdPercent && name == fields[0] {
				return Command{Kind: kind}, nil
			}
		}

		if n, err := strconv.Atoi(strings.TrimSuffix(fields[0], "%")); err == nil {
			if n < 0 || n > 100 {
				return Command{}, fmt.Errorf("%w: percentage %d out of range", ErrInvalidCommand, n)
			}
			return Percent(n), nil
		}
	}
	return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, str)
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (c *Command) UnmarshalText(text []byte) (err error) {
	*c, err = ParseCommand(string(text))
	return err
}

// MarshalText satisfies encoding.TextMarshaler
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
