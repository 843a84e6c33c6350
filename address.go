// Copyright 2018 Andrew Bates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package insteon

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DeviceAddress identifies a device on the power line. Implementations
// are comparable value types so they can be used as map keys.
type DeviceAddress interface {
	fmt.Stringer

	// X10 indicates the address belongs to the legacy X10 protocol
	X10() bool
}

// ParseDeviceAddress accepts either an Insteon address (1a.2b.3c or
// 1a2b3c) or an X10 address (M5 or M.5)
func ParseDeviceAddress(str string) (DeviceAddress, error) {
	str = strings.TrimSpace(str)
	if len(str) == 6 || len(str) == 8 {
		var a Address
		if err := a.UnmarshalText([]byte(str)); err == nil {
			return a, nil
		}
	}

	var x X10Address
	if err := x.UnmarshalText([]byte(str)); err == nil {
		return x, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrAddrFormat, str)
}

// Address is a 3 byte insteon address
type Address uint32

// BroadcastAddress is used as the destination of group broadcasts
const BroadcastAddress = Address(0xffffff)

// NewAddress builds an address from its three bytes
func NewAddress(b1, b2, b3 byte) Address {
	return Address(uint32(b1)<<16 | uint32(b2)<<8 | uint32(b3))
}

// String will format the Address object into a form
// common to Insteon devices: 00.00.00 where each byte
// is represented in hexadecimal form (e.g. 01.b4.a5) the
// string will always be 8 characters long, bytes are zero
// padded
func (a Address) String() string {
	return fmt.Sprintf("%02x.%02x.%02x", byte(a>>16), byte(a>>8), byte(a))
}

// X10 is always false for an Insteon address
func (a Address) X10() bool { return false }

// UnmarshalText converts a human readable string into an
// Insteon address. If the address cannot be parsed then
// UnmarshalText returns an ErrAddrFormat error
func (a *Address) UnmarshalText(text []byte) error {
	// Support non-period separated input too.
	if len(text) == 6 {
		text = bytes.Join([][]byte{text[0:2], text[2:4], text[4:6]}, []byte("."))
	}

	if len(text) != 8 {
		return ErrAddrFormat
	}

	var b [4]byte
	_, err := fmt.Sscanf(string(text), "%2x.%2x.%2x", &b[1], &b[2], &b[3])
	if err != nil {
		return ErrAddrFormat
	}
	*a = Address(binary.BigEndian.Uint32(b[:]))
	return nil
}

// Set satisfies the flag.Value interface
func (a *Address) Set(str string) error {
	return a.UnmarshalText([]byte(str))
}

// Get satisfies the flag.Getter interface
func (a *Address) Get() interface{} {
	return Address(*a)
}

// Put sets the address from the first three bytes of buf
func (a *Address) Put(buf []byte) {
	b := make([]byte, 4)
	copy(b[1:], buf)
	*a = Address(binary.BigEndian.Uint32(b))
}

// Bytes returns the three address bytes, most significant first
func (a Address) Bytes() []byte {
	b := [4]byte{}
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b[1:]
}

// MarshalText fulfills the requiresments of encoding.TextMarshaler so that
// Address can be used as a map key in other encoding
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// MarshalJSON will convert the address to a JSON string
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON will populate the address from the input JSON string
func (a *Address) UnmarshalJSON(data []byte) (err error) {
	var s string
	if err = json.Unmarshal(data, &s); err == nil {
		err = a.Set(s)
	}
	return err
}

// X10Address is a house code (A-P) and unit code (1-16) pair. The
// zero unit is used for house wide commands.
type X10Address struct {
	House byte
	Unit  byte
}

// X10 is always true for an X10 address
func (x X10Address) X10() bool { return true }

func (x X10Address) String() string {
	if x.Unit == 0 {
		return string(rune(x.House))
	}
	return fmt.Sprintf("%c.%d", x.House, x.Unit)
}

// UnmarshalText parses "M5", "M.5" or "m.5"
func (x *X10Address) UnmarshalText(text []byte) error {
	str := strings.ToUpper(strings.TrimSpace(string(text)))
	if len(str) < 2 {
		return ErrX10AddrFormat
	}

	house := str[0]
	if house < 'A' || house > 'P' {
		return ErrInvalidHouseCode
	}

	unitStr := strings.TrimPrefix(str[1:], ".")
	unit, err := strconv.Atoi(unitStr)
	if err != nil {
		return ErrX10AddrFormat
	}

	if unit < 1 || unit > 16 {
		return ErrInvalidUnitCode
	}
	x.House = house
	x.Unit = byte(unit)
	return nil
}

// MarshalText renders the address the same way String does
func (x X10Address) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

// Set satisfies the flag.Value interface
func (x *X10Address) Set(str string) error {
	return x.UnmarshalText([]byte(str))
}
