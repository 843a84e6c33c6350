package insteon

import "strconv"

// Group is an all-link group number. Group 0 is never used by
// devices, group 1 is the primary group of most devices.
type Group byte

func (g Group) String() string { return strconv.Itoa(int(g)) }

// RecordControlFlags is the first byte of an all-link record
type RecordControlFlags byte

const (
	recordInUse      RecordControlFlags = 0x80
	recordController RecordControlFlags = 0x40
)

// InUse is false for deleted records, which may be overwritten
func (rcf RecordControlFlags) InUse() bool { return rcf&recordInUse != 0 }

// Controller is set when the owner of the table controls the
// group. When clear the owner responds to it.
func (rcf RecordControlFlags) Controller() bool { return rcf&recordController != 0 }

// String is always two characters: U(sed) or A(vailable) followed by
// C(ontroller) or R(esponder)
func (rcf RecordControlFlags) String() string {
	buf := []byte("AR")
	if rcf.InUse() {
		buf[0] = 'U'
	}
	if rcf.Controller() {
		buf[1] = 'C'
	}
	return string(buf)
}

// LinkRecord is one entry of an all-link table as reported by the
// modem in response to a get first/next all-link record request
type LinkRecord struct {
	Flags   RecordControlFlags
	Group   Group
	Address Address
	Data    [3]byte
}

func (l *LinkRecord) String() string {
	return sprintf("%v %v %v % x", l.Flags, l.Group, l.Address, l.Data[:])
}

// UnmarshalBinary decodes the 8 byte record payload: flags, group,
// address and three bytes of link data
func (l *LinkRecord) UnmarshalBinary(buf []byte) error {
	if len(buf) < 8 {
		return newBufError(ErrBufferTooShort, 8, len(buf))
	}
	l.Flags = RecordControlFlags(buf[0])
	l.Group = Group(buf[1])
	l.Address.Put(buf[2:5])
	copy(l.Data[:], buf[5:8])
	return nil
}
