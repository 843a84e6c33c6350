package devices

import (
	"fmt"

	"github.com/abates/insteond"
	"github.com/abates/insteond/plm"
)

// setState returns a message handler that publishes a fixed state
func setState(state State) MessageHandler {
	return func(f *Feature, msg *insteon.Message) { f.Set(state) }
}

func onOffHandlers(on, off State) map[byte]MessageHandler {
	return map[byte]MessageHandler{
		insteon.CmdLightOn.Command1():      setState(on),
		insteon.CmdLightOnFast.Command1():  setState(on),
		insteon.CmdLightOff.Command1():     setState(off),
		insteon.CmdLightOffFast.Command1(): setState(off),
	}
}

// dimmerOn handles a light on from a dimmer. The level reached
// depends on the local on level and ramp rate, so the real level is
// queried once the ramp has finished.
func dimmerOn(f *Feature, msg *insteon.Message) {
	f.Set(PercentState(100))
	f.device.scheduleRefresh(f)
}

// startManualChange marks the start of a press and hold on the
// paddle. The level is unknown until the matching stop arrives.
func startManualChange(f *Feature, msg *insteon.Message) {
	Log.Debugf("%v manual change started on %s", f.device.Address(), f)
}

func stopManualChange(f *Feature, msg *insteon.Message) {
	f.device.scheduleRefresh(f)
}

func dimmerHandlers() map[byte]MessageHandler {
	return map[byte]MessageHandler{
		insteon.CmdLightOn.Command1():          dimmerOn,
		insteon.CmdLightOnFast.Command1():      setState(PercentState(100)),
		insteon.CmdLightOff.Command1():         setState(PercentState(0)),
		insteon.CmdLightOffFast.Command1():     setState(PercentState(0)),
		insteon.CmdLightStartManual.Command1(): startManualChange,
		insteon.CmdLightStopManual.Command1():  stopManualChange,
	}
}

func switchReply(f *Feature, cmd2 byte) {
	if cmd2 == 0 {
		f.Set(StateOff)
	} else {
		f.Set(StateOn)
	}
}

// dimmerLevel converts a status reply level to a percentage. Any
// non zero level is at least 1% so a dim light never reads as off.
func dimmerLevel(cmd2 byte) int {
	switch cmd2 {
	case 0x00:
		return 0
	case 0xfe, 0xff:
		return 100
	}

	level := int(cmd2) * 100 / 255
	if level < 1 {
		level = 1
	}
	return level
}

func dimmerReply(f *Feature, cmd2 byte) {
	f.Set(PercentState(dimmerLevel(cmd2)))
}

// keypadReply decodes the LED bitmask returned by a keypad. Bit n is
// the LED of the button controlling group n+1.
func keypadReply(f *Feature, cmd2 byte) {
	for _, button := range f.children {
		if button.group == 0 || button.group > 8 {
			continue
		}

		if cmd2&(1<<(button.group-1)) != 0 {
			button.Set(StateOn)
		} else {
			button.Set(StateOff)
		}
	}
}

func x10OnOff(on, off State) X10Handler {
	return func(f *Feature, cmd insteon.X10Command) {
		switch cmd {
		case insteon.X10On:
			f.Set(on)
		case insteon.X10Off:
			f.Set(off)
		default:
			Log.Debugf("%v %s ignoring x10 %v", f.device.Address(), f.name, cmd)
		}
	}
}

func x10Dimmer(f *Feature, cmd insteon.X10Command) {
	switch cmd {
	case insteon.X10On:
		f.Set(PercentState(100))
	case insteon.X10Off:
		f.Set(PercentState(0))
	default:
		Log.Debugf("%v %s ignoring x10 %v", f.device.Address(), f.name, cmd)
	}
}

func unsupported(f *Feature, cmd Command) error {
	return fmt.Errorf("%w: %v on %v %s", ErrUnsupportedCommand, cmd, f.device.Address(), f.name)
}

func (f *Feature) insteonPackets(cmd insteon.Command) ([]*plm.Packet, error) {
	pkt, err := f.device.packet(cmd)
	if err != nil {
		return nil, err
	}
	return []*plm.Packet{pkt}, nil
}

func switchCommand(f *Feature, cmd Command) ([]*plm.Packet, State, error) {
	switch cmd.Kind {
	case CmdOn:
		packets, err := f.insteonPackets(insteon.CmdLightOn.SubCommand(0xff))
		return packets, StateOn, err
	case CmdOff:
		packets, err := f.insteonPackets(insteon.CmdLightOff)
		return packets, StateOff, err
	}
	return nil, StateUnknown, unsupported(f, cmd)
}

// dimmerCmd2 converts a percentage to the on level byte
func dimmerCmd2(percent int) int {
	return (percent*255 + 50) / 100
}

func dimmerCommand(f *Feature, cmd Command) ([]*plm.Packet, State, error) {
	var command insteon.Command
	state := StateUnknown
	switch cmd.Kind {
	case CmdOn:
		command, state = insteon.CmdLightOn.SubCommand(0xff), PercentState(100)
	case CmdOff:
		command, state = insteon.CmdLightOff, PercentState(0)
	case CmdPercent:
		if cmd.Percent < 0 || cmd.Percent > 100 {
			return nil, state, fmt.Errorf("%w: percentage %d out of range", ErrInvalidCommand, cmd.Percent)
		}

		if cmd.Percent == 0 {
			command = insteon.CmdLightOff
		} else {
			command = insteon.CmdLightOn.SubCommand(dimmerCmd2(cmd.Percent))
		}
		state = PercentState(cmd.Percent)
	case CmdIncrease:
		command = insteon.CmdLightBrighten
	case CmdDecrease:
		command = insteon.CmdLightDim
	default:
		return nil, state, unsupported(f, cmd)
	}

	packets, err := f.insteonPackets(command)
	return packets, state, err
}

func x10Address(f *Feature) (insteon.X10Address, error) {
	addr, ok := f.device.Address().(insteon.X10Address)
	if !ok {
		return addr, fmt.Errorf("%w: %v is not an x10 address", ErrAddressType, f.device.Address())
	}
	return addr, nil
}

func x10SwitchCommand(f *Feature, cmd Command) ([]*plm.Packet, State, error) {
	addr, err := x10Address(f)
	if err != nil {
		return nil, StateUnknown, err
	}

	switch cmd.Kind {
	case CmdOn:
		packets, err := plm.NewX10Packets(addr, insteon.X10On)
		return packets, StateOn, err
	case CmdOff:
		packets, err := plm.NewX10Packets(addr, insteon.X10Off)
		return packets, StateOff, err
	}
	return nil, StateUnknown, unsupported(f, cmd)
}

func x10DimmerCommand(f *Feature, cmd Command) ([]*plm.Packet, State, error) {
	addr, err := x10Address(f)
	if err != nil {
		return nil, StateUnknown, err
	}

	var packets []*plm.Packet
	state := StateUnknown
	switch cmd.Kind {
	case CmdOn:
		packets, err = plm.NewX10Packets(addr, insteon.X10On)
		state = PercentState(100)
	case CmdOff:
		packets, err = plm.NewX10Packets(addr, insteon.X10Off)
		state = PercentState(0)
	case CmdPercent:
		if cmd.Percent < 0 || cmd.Percent > 100 {
			return nil, state, fmt.Errorf("%w: percentage %d out of range", ErrInvalidCommand, cmd.Percent)
		}
		packets, err = plm.NewX10PresetPackets(addr, cmd.Percent)
		state = PercentState(cmd.Percent)
	case CmdIncrease:
		packets, err = plm.NewX10Packets(addr, insteon.X10Bright)
	case CmdDecrease:
		packets, err = plm.NewX10Packets(addr, insteon.X10Dim)
	default:
		return nil, state, unsupported(f, cmd)
	}
	return packets, state, err
}
