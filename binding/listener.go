package binding

import "github.com/abates/insteond"

// Listener receives the binding notifications. Calls are made from
// the driver goroutines and must not block.
type Listener interface {
	// DeviceNotLinked reports a configured device that has no entry
	// in the modem link database
	DeviceNotLinked(addr insteon.DeviceAddress)

	// MissingDevicesFound reports link database entries that have no
	// configured device
	MissingDevicesFound(addrs []insteon.DeviceAddress)

	// BindingDisconnected is called once each time the modem
	// connection is lost
	BindingDisconnected()

	// DeviceCreated is called after a device was added
	DeviceCreated()
}

// LogListener writes every notification to the binding log
type LogListener struct{}

func (LogListener) DeviceNotLinked(addr insteon.DeviceAddress) {
	Log.Warnf("%v is not linked to the modem", addr)
}

func (LogListener) MissingDevicesFound(addrs []insteon.DeviceAddress) {
	Log.Infof("modem is linked to unconfigured devices %v", addrs)
}

func (LogListener) BindingDisconnected() {
	Log.Warnf("modem disconnected")
}

func (LogListener) DeviceCreated() {}
