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

package plm

import (
	"time"
)

// The Option mechanism is based on the method described at https://dave.cheney.net/2014/10/17/functional-options-for-friendly-apis
type Option func(d *Driver) error

// PortName is the name used for the port in link database entries and
// log lines
func PortName(name string) Option {
	return func(d *Driver) error {
		d.portName = name
		return nil
	}
}

// Timeout sets how long the driver waits for the modem to echo a
// command or deliver a link record
func Timeout(timeout time.Duration) Option {
	return func(d *Driver) error {
		d.timeout = timeout
		return nil
	}
}

// WriteDelay can be passed as a parameter to New to change the quiet
// time after each frame. A zero delay computes the quiet time from the
// message length and TTL.
func WriteDelay(delay time.Duration) Option {
	return func(d *Driver) error {
		d.writeDelay = delay
		return nil
	}
}

// MaxRetries sets how many times a frame refused by a busy modem is resent
func MaxRetries(retries int) Option {
	return func(d *Driver) error {
		d.retries = retries
		return nil
	}
}

// RefreshInterval re-reads the modem link database periodically. Zero
// disables the refresh.
func RefreshInterval(interval time.Duration) Option {
	return func(d *Driver) error {
		d.refresh = interval
		return nil
	}
}

// Trace records every frame to rec
func Trace(rec *Recorder) Option {
	return func(d *Driver) error {
		d.recorder = rec
		return nil
	}
}

// Events sets the receiver of driver lifecycle events
func Events(handler EventHandler) Option {
	return func(d *Driver) error {
		d.events = handler
		return nil
	}
}
