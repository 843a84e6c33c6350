package devices

import (
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    Command
		wantErr error
	}{
		{"ON", Command{Kind: CmdOn}, nil},
		{"off", Command{Kind: CmdOff}, nil},
		{" Increase ", Command{Kind: CmdIncrease}, nil},
		{"DECREASE", Command{Kind: CmdDecrease}, nil},
		{"refresh", Command{Kind: CmdRefresh}, nil},
		{"42", Percent(42), nil},
		{"42%", Percent(42), nil},
		{"PERCENT 0", Percent(0), nil},
		{"percent 100", Percent(100), nil},
		{"101", Command{}, ErrInvalidCommand},
		{"-1", Command{}, ErrInvalidCommand},
		{"PERCENT", Command{}, ErrInvalidCommand},
		{"toggle", Command{}, ErrInvalidCommand},
		{"", Command{}, ErrInvalidCommand},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			got, err := ParseCommand(test.input)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("want error %v got %v", test.wantErr, err)
			}

			if got != test.want {
				t.Errorf("want %v got %v", test.want, got)
			}
		})
	}
}

func TestCommandText(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Command{Kind: CmdOn}, "ON"},
		{Command{Kind: CmdRefresh}, "REFRESH"},
		{Percent(37), "37"},
		{Command{Kind: CommandKind(42)}, "CommandKind(42)"},
	}

	for _, test := range tests {
		t.Run(test.want, func(t *testing.T) {
			text, _ := test.cmd.MarshalText()
			if string(text) != test.want {
				t.Errorf("want %q got %q", test.want, string(text))
			}
		})
	}

	var cmd Command
	if err := cmd.UnmarshalText([]byte("37")); err != nil || cmd != Percent(37) {
		t.Errorf("want %v got %v (%v)", Percent(37), cmd, err)
	}
}
