package devices

import (
	"fmt"
	"sort"
	"strings"

	"github.com/abates/insteond"
)

// Product describes a kind of device and the features it carries
type Product struct {
	Key         string
	Description string

	// X10 products are addressed by house and unit code
	X10 bool

	// Battery powered products sleep between messages and are never
	// polled
	Battery bool

	// Modem marks the modem itself
	Modem bool

	features []featureSpec
}

func (p *Product) String() string {
	return fmt.Sprintf("%s (%s)", p.Key, p.Description)
}

var products = make(map[string]*Product)

func register(p *Product) {
	products[strings.ToUpper(p.Key)] = p
}

// Lookup finds the product for a product key. Keys are not case
// sensitive.
func Lookup(key string) (*Product, error) {
	if p, found := products[strings.ToUpper(strings.TrimSpace(key))]; found {
		return p, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownProduct, key)
}

// Products returns every known product ordered by key
func Products() []*Product {
	list := make([]*Product, 0, len(products))
	for _, p := range products {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}

var statusQuery = insteon.CmdLightStatusRequest

// keypads answer a status request with cmd2 set to 1 with their
// LED bitmask
var ledQuery = insteon.CmdLightStatusRequest.SubCommand(1)

func relaySpec(name string) featureSpec {
	return featureSpec{
		name:     name,
		group:    1,
		messages: onOffHandlers(StateOn, StateOff),
		reply:    switchReply,
		query:    &statusQuery,
		command:  switchCommand,
	}
}

func dimmerSpec(name string) featureSpec {
	return featureSpec{
		name:     name,
		group:    1,
		messages: dimmerHandlers(),
		reply:    dimmerReply,
		query:    &statusQuery,
		command:  dimmerCommand,
	}
}

func buttonSpec(name string, group insteon.Group) featureSpec {
	return featureSpec{
		name:     name,
		group:    group,
		messages: onOffHandlers(StateOn, StateOff),
	}
}

func init() {
	register(&Product{
		Key:         "2477S",
		Description: "SwitchLinc relay",
		features:    []featureSpec{relaySpec("switch")},
	})

	register(&Product{
		Key:         "2477D",
		Description: "SwitchLinc dimmer",
		features:    []featureSpec{dimmerSpec("dimmer")},
	})

	register(&Product{
		Key:         "2486D",
		Description: "KeypadLinc dimmer, 6 buttons",
		features: []featureSpec{
			dimmerSpec("dimmer"),
			{
				name:  "buttons",
				reply: keypadReply,
				query: &ledQuery,
				children: []featureSpec{
					buttonSpec("buttonA", 3),
					buttonSpec("buttonB", 4),
					buttonSpec("buttonC", 5),
					buttonSpec("buttonD", 6),
				},
			},
		},
	})

	register(&Product{
		Key:         "2843-222",
		Description: "Wireless open/close sensor",
		Battery:     true,
		features: []featureSpec{
			{name: "contact", group: 1, messages: onOffHandlers(StateOpen, StateClosed)},
			{name: "lowBattery", group: 3, messages: onOffHandlers(StateOn, StateOff)},
		},
	})

	register(&Product{
		Key:         "2413U",
		Description: "PowerLinc USB modem",
		Modem:       true,
	})

	register(&Product{
		Key:         "X10-switch",
		Description: "X10 appliance module",
		X10:         true,
		features:    []featureSpec{{name: "switch", x10: x10OnOff(StateOn, StateOff), command: x10SwitchCommand}},
	})

	register(&Product{
		Key:         "X10-dimmer",
		Description: "X10 lamp module",
		X10:         true,
		features:    []featureSpec{{name: "dimmer", x10: x10Dimmer, command: x10DimmerCommand}},
	})

	register(&Product{
		Key:         "X10-sensor",
		Description: "X10 motion or contact sensor",
		X10:         true,
		Battery:     true,
		features:    []featureSpec{{name: "contact", x10: x10OnOff(StateOpen, StateClosed)}},
	})
}
