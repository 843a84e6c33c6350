package plm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abates/insteond"
)

// ModemDBEntry is everything the modem link table says about one
// device
type ModemDBEntry struct {
	Address insteon.DeviceAddress

	// Controls lists the groups the modem controls through this device
	Controls []insteon.Group

	// Responds lists the groups of this device the modem responds to
	Responds []insteon.Group

	// Port is the name of the port the modem is attached to
	Port string

	// Modem marks the entry of the modem itself
	Modem bool
}

func addGroup(groups []insteon.Group, group insteon.Group) []insteon.Group {
	i := sort.Search(len(groups), func(i int) bool { return groups[i] >= group })
	if i < len(groups) && groups[i] == group {
		return groups
	}
	groups = append(groups, 0)
	copy(groups[i+1:], groups[i:])
	groups[i] = group
	return groups
}

func joinGroups(groups []insteon.Group) string {
	strs := make([]string, len(groups))
	for i, g := range groups {
		strs[i] = g.String()
	}
	return strings.Join(strs, ",")
}

// AddRecord merges a modem link record into the entry
func (e *ModemDBEntry) AddRecord(record *insteon.LinkRecord) {
	if record.Flags.Controller() {
		e.Controls = addGroup(e.Controls, record.Group)
	} else {
		e.Responds = addGroup(e.Responds, record.Group)
	}
}

func (e *ModemDBEntry) String() string {
	if e.Modem {
		return fmt.Sprintf("%s: this is the modem itself (port %s)", e.Address, e.Port)
	}
	return fmt.Sprintf("%s: modem controls groups [%s] and responds to groups [%s] on port %s", e.Address, joinGroups(e.Controls), joinGroups(e.Responds), e.Port)
}

// ModemDB is the in memory copy of the modem link table. Readers
// hold the snapshot between Lock and Unlock; the table is only ever
// replaced as a whole.
type ModemDB struct {
	mu      sync.RWMutex
	entries map[insteon.DeviceAddress]*ModemDBEntry
}

// Lock acquires the read lock and returns the current snapshot. The
// snapshot must not be used after Unlock.
func (db *ModemDB) Lock() map[insteon.DeviceAddress]*ModemDBEntry {
	db.mu.RLock()
	if db.entries == nil {
		return map[insteon.DeviceAddress]*ModemDBEntry{}
	}
	return db.entries
}

// Unlock releases the lock acquired by Lock
func (db *ModemDB) Unlock() {
	db.mu.RUnlock()
}

// Replace swaps in a new snapshot
func (db *ModemDB) Replace(entries map[insteon.DeviceAddress]*ModemDBEntry) {
	db.mu.Lock()
	db.entries = entries
	db.mu.Unlock()
}

// Len is the number of entries in the current snapshot
func (db *ModemDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries)
}

type requester interface {
	Send(ctx context.Context, pkt *Packet) (*Packet, error)
}

// readModemDB walks the modem link table with get first/get next until
// the modem answers with a NAK. Each ACK is followed by a link record
// frame delivered on records.
func readModemDB(ctx context.Context, r requester, records <-chan *Packet, timeout time.Duration, port string, modem insteon.Address) (map[insteon.DeviceAddress]*ModemDBEntry, error) {
	entries := make(map[insteon.DeviceAddress]*ModemDBEntry)
	entries[modem] = &ModemDBEntry{Address: modem, Port: port, Modem: true}

	// stale records from an earlier read
	for len(records) > 0 {
		<-records
	}

	cmd := CmdGetFirstAllLink
	for {
		_, err := r.Send(ctx, &Packet{Command: cmd})
		if errors.Is(err, ErrNak) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading modem link database: %w", err)
		}

		var pkt *Packet
		timer := time.NewTimer(timeout)
		select {
		case pkt = <-records:
			timer.Stop()
		case <-timer.C:
			return nil, fmt.Errorf("waiting for link record: %w", ErrReadTimeout)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		record := &insteon.LinkRecord{}
		if err := record.UnmarshalBinary(pkt.Payload); err != nil {
			Log.Infof("discarding link record %v: %v", pkt, err)
		} else if record.Flags.InUse() {
			Log.Debugf("link record %v", record)
			entry, found := entries[record.Address]
			if !found {
				entry = &ModemDBEntry{Address: record.Address, Port: port}
				entries[record.Address] = entry
			}
			entry.AddRecord(record)
		}
		cmd = CmdGetNextAllLink
	}
	return entries, nil
}
