package insteon

// X10Command is the function nibble of an X10 command frame
type X10Command byte

// X10 function codes
const (
	X10AllUnitsOff X10Command = iota
	X10AllLightsOn
	X10On
	X10Off
	X10Dim
	X10Bright
	X10AllLightsOff
	X10ExtendedCode
	X10HailRequest
	X10HailAck
	X10PresetDim1
	X10PresetDim2
	X10ExtendedData
	X10StatusOn
	X10StatusOff
	X10StatusRequest
)

var x10CommandStrings = map[X10Command]string{
	X10AllUnitsOff:   "ALL_UNITS_OFF",
	X10AllLightsOn:   "ALL_LIGHTS_ON",
	X10On:            "ON",
	X10Off:           "OFF",
	X10Dim:           "DIM",
	X10Bright:        "BRIGHT",
	X10AllLightsOff:  "ALL_LIGHTS_OFF",
	X10ExtendedCode:  "EXTENDED_CODE",
	X10HailRequest:   "HAIL_REQUEST",
	X10HailAck:       "HAIL_ACK",
	X10PresetDim1:    "PRESET_DIM_1",
	X10PresetDim2:    "PRESET_DIM_2",
	X10ExtendedData:  "EXTENDED_DATA",
	X10StatusOn:      "STATUS_ON",
	X10StatusOff:     "STATUS_OFF",
	X10StatusRequest: "STATUS_REQUEST",
}

func (cmd X10Command) String() string {
	if str, found := x10CommandStrings[cmd]; found {
		return str
	}
	return sprintf("X10Command(0x%02x)", byte(cmd))
}

// HouseWide reports whether the command applies to every unit of a
// house code rather than to the last addressed unit
func (cmd X10Command) HouseWide() bool {
	return cmd == X10AllUnitsOff || cmd == X10AllLightsOn || cmd == X10AllLightsOff
}

// house and unit codes share the same nibble table, indexed by
// house letter (A..P) or unit number (1..16)
var x10Codes = [16]byte{0x6, 0xe, 0x2, 0xa, 0x1, 0x9, 0x5, 0xd, 0x7, 0xf, 0x3, 0xb, 0x0, 0x8, 0x4, 0xc}

var x10Reverse = func() (r [16]byte) {
	for i, c := range x10Codes {
		r[c] = byte(i)
	}
	return r
}()

// X10PresetLevels maps a 0-15 preset dim level to the raw code sent in
// the unit nibble of a preset dim command
var X10PresetLevels = [16]byte{0, 8, 4, 12, 2, 10, 6, 14, 1, 9, 5, 13, 3, 11, 7, 15}

// X10 frame flag bytes
const (
	X10FlagAddress = 0x00
	X10FlagCommand = 0x80
)

// EncodeX10Address produces the raw byte of an X10 address frame
func EncodeX10Address(addr X10Address) (byte, error) {
	if addr.House < 'A' || addr.House > 'P' {
		return 0, ErrInvalidHouseCode
	}

	if addr.Unit < 1 || addr.Unit > 16 {
		return 0, ErrInvalidUnitCode
	}
	return x10Codes[addr.House-'A']<<4 | x10Codes[addr.Unit-1], nil
}

// EncodeX10Command produces the raw byte of an X10 command frame
func EncodeX10Command(house byte, cmd X10Command) (byte, error) {
	if house < 'A' || house > 'P' {
		return 0, ErrInvalidHouseCode
	}
	return x10Codes[house-'A']<<4 | byte(cmd)&0x0f, nil
}

// DecodeX10House returns the house letter encoded in the upper nibble
func DecodeX10House(raw byte) byte {
	return 'A' + x10Reverse[raw>>4]
}

// DecodeX10Address decodes the raw byte of an X10 address frame
func DecodeX10Address(raw byte) X10Address {
	return X10Address{House: DecodeX10House(raw), Unit: x10Reverse[raw&0x0f] + 1}
}

// DecodeX10Command decodes the raw byte of an X10 command frame into
// its house letter and function code
func DecodeX10Command(raw byte) (house byte, cmd X10Command) {
	return DecodeX10House(raw), X10Command(raw & 0x0f)
}

// X10PresetDim returns the raw command byte that sets an X10 dimmer to
// the given percentage. Preset dim frames carry the level code in the
// upper nibble in place of the house code.
func X10PresetDim(percent int) byte {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	level := percent * 32 / 100
	cmd := X10PresetDim1
	if level >= 16 {
		cmd = X10PresetDim2
	}
	return X10PresetLevels[level%16]<<4 | byte(cmd)
}
