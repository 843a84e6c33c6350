// Package insteon holds the wire level types shared by the modem
// driver and the device layer: addresses for both Insteon and X10
// devices, message flags, the Insteon message codec, command bytes,
// link records and the package logger.
package insteon

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// StandardMsgLen is the length of an insteon standard message minus one byte (the crc byte)
	StandardMsgLen = 9

	// ExtendedMsgLen is the length of an insteon extended message minus one byte (the crc byte)
	ExtendedMsgLen = 23

	// UserDataLen is the number of user data bytes carried by an extended message
	UserDataLen = 14
)

var (
	ErrBufferTooShort   = errors.New("buffer is too short")
	ErrAddrFormat       = errors.New("address format is xx.xx.xx (digits in hex)")
	ErrX10AddrFormat    = errors.New("x10 address format is <house><unit> (e.g. M5 or M.5)")
	ErrInvalidHouseCode = errors.New("invalid x10 house code")
	ErrInvalidUnitCode  = errors.New("invalid x10 unit code")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidChecksum  = errors.New("invalid checksum")
)

var sprintf = fmt.Sprintf

// FirmwareVersion is the firmware revision reported by a device or modem
type FirmwareVersion int

func (fv FirmwareVersion) String() string {
	return sprintf("0x%02x", int(fv))
}

// DevCat is the device category and sub-category pair
type DevCat [2]byte

// Category is the upper byte of a DevCat
func (dc DevCat) Category() Category {
	return Category(dc[0])
}

// SubCategory is the lower byte of a DevCat
func (dc DevCat) SubCategory() SubCategory {
	return SubCategory(dc[1])
}

func (dc DevCat) String() string {
	return sprintf("%02x.%02x", dc[0], dc[1])
}

// MarshalJSON renders the DevCat as "cc.ss"
func (dc DevCat) MarshalJSON() ([]byte, error) {
	return json.Marshal(dc.String())
}

// UnmarshalJSON parses a "cc.ss" string
func (dc *DevCat) UnmarshalJSON(data []byte) (err error) {
	var s string
	if err = json.Unmarshal(data, &s); err == nil {
		var n int
		n, err = fmt.Sscanf(s, "%02x.%02x", &dc[0], &dc[1])
		if n < 2 {
			err = fmt.Errorf("expected Scanf to parse 2 digits, got %d", n)
		}
	}
	return err
}

// Category is the device category
type Category byte

// SubCategory is the device sub-category
type SubCategory byte

// Checksum computes the two's complement checksum carried in the last
// user data byte of extended messages. The input is cmd1, cmd2 and the
// first 13 user data bytes.
func Checksum(buf []byte) byte {
	sum := byte(0)
	for _, b := range buf {
		sum += b
	}
	return ^sum + 1
}
