package plm

import (
	"fmt"

	"github.com/abates/insteond"
)

// Info is the modem identity returned by the get info command
type Info struct {
	Address  insteon.Address         `json:"address"`
	DevCat   insteon.DevCat          `json:"devcat"`
	Firmware insteon.FirmwareVersion `json:"firmware"`
}

func (info *Info) String() string {
	return fmt.Sprintf("%s category %s version %s", info.Address, info.DevCat, info.Firmware)
}

// UnmarshalBinary decodes the payload of a get info echo
func (info *Info) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("modem info is 6 bytes, got %d: %w", len(data), insteon.ErrBufferTooShort)
	}
	info.Address.Put(data[0:3])
	copy(info.DevCat[:], data[3:5])
	info.Firmware = insteon.FirmwareVersion(data[5])
	return nil
}

// MarshalBinary encodes the info as a get info payload
func (info *Info) MarshalBinary() ([]byte, error) {
	data := make([]byte, 6)
	copy(data[0:3], info.Address.Bytes())
	copy(data[3:5], info.DevCat[:])
	data[5] = byte(info.Firmware)
	return data, nil
}
