package plm

import (
	"sync"

	"github.com/abates/insteond"
)

// X10Correlator pairs X10 address frames with the command frames that
// follow them. X10 command frames carry only a house code, so the
// unit comes from the most recent address frame.
type X10Correlator struct {
	mu   sync.Mutex
	last *insteon.X10Address
}

// Feed accepts the raw byte and flag of an X10 frame. It returns the
// routable address and command once a command frame follows an
// address frame for the same house. Preset dim frames follow the
// last address whatever their upper nibble.
func (xc *X10Correlator) Feed(raw, flag byte) (addr insteon.X10Address, cmd insteon.X10Command, ok bool) {
	xc.mu.Lock()
	defer xc.mu.Unlock()

	if flag == insteon.X10FlagAddress {
		a := insteon.DecodeX10Address(raw)
		xc.last = &a
		Log.Tracef("x10 address %v", a)
		return addr, cmd, false
	}

	house, cmd := insteon.DecodeX10Command(raw)
	if xc.last == nil {
		Log.Debugf("dropping x10 %c %v with no preceding address", house, cmd)
		return addr, cmd, false
	}

	// preset dim frames carry the level in place of the house code
	presetDim := cmd == insteon.X10PresetDim1 || cmd == insteon.X10PresetDim2
	if !presetDim && xc.last.House != house {
		Log.Debugf("dropping x10 %c %v, last address was %v", house, cmd, *xc.last)
		return addr, cmd, false
	}
	return *xc.last, cmd, true
}

// Reset forgets the remembered address
func (xc *X10Correlator) Reset() {
	xc.mu.Lock()
	xc.last = nil
	xc.mu.Unlock()
}
