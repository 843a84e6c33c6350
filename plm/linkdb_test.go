package plm

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/abates/insteond"
)

type fakeRequester struct {
	records []*Packet
	ch      chan *Packet
	sent    []Command
	err     error
	noReply bool
}

func newFakeRequester(records ...*Packet) *fakeRequester {
	return &fakeRequester{records: records, ch: make(chan *Packet, 1)}
}

func (fr *fakeRequester) Send(ctx context.Context, pkt *Packet) (*Packet, error) {
	fr.sent = append(fr.sent, pkt.Command)
	if fr.err != nil {
		return nil, fr.err
	}

	if len(fr.records) == 0 {
		return &Packet{Command: pkt.Command, Ack: nakByte}, ErrNak
	}

	if !fr.noReply {
		fr.ch <- fr.records[0]
	}
	fr.records = fr.records[1:]
	return &Packet{Command: pkt.Command, Ack: ackByte}, nil
}

func linkRecord(flags byte, group byte, addr insteon.Address) *Packet {
	payload := append([]byte{flags, group}, addr.Bytes()...)
	payload = append(payload, 0x00, 0x00, 0x00)
	return &Packet{Command: CmdAllLinkRecordResp, Payload: payload}
}

func TestReadModemDB(t *testing.T) {
	modem := insteon.NewAddress(0x01, 0x02, 0x03)
	addr1 := insteon.NewAddress(0x1a, 0x2b, 0x3c)
	addr2 := insteon.NewAddress(0x44, 0x55, 0x66)
	unused := insteon.NewAddress(0x77, 0x88, 0x99)

	fr := newFakeRequester(
		linkRecord(0xe2, 3, addr1),
		linkRecord(0xe2, 1, addr1),
		linkRecord(0xa2, 2, addr1),
		linkRecord(0xe2, 1, addr1),
		linkRecord(0xa2, 0, addr2),
		linkRecord(0x22, 4, unused),
	)

	entries, err := readModemDB(context.Background(), fr, fr.ch, time.Second, "/dev/ttyUSB0", modem)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("Wanted 3 entries got %d", len(entries))
	}

	if entry := entries[modem]; entry == nil || !entry.Modem {
		t.Errorf("Wanted modem entry for %v", modem)
	}

	entry := entries[addr1]
	if !reflect.DeepEqual([]insteon.Group{1, 3}, entry.Controls) {
		t.Errorf("Wanted controls [1 3] got %v", entry.Controls)
	}

	if !reflect.DeepEqual([]insteon.Group{2}, entry.Responds) {
		t.Errorf("Wanted responds [2] got %v", entry.Responds)
	}

	want := "1a.2b.3c: modem controls groups [1,3] and responds to groups [2] on port /dev/ttyUSB0"
	if entry.String() != want {
		t.Errorf("Wanted %q got %q", want, entry.String())
	}

	if _, found := entries[unused]; found {
		t.Errorf("Wanted unused record %v to be skipped", unused)
	}

	if fr.sent[0] != CmdGetFirstAllLink || len(fr.sent) != 7 {
		t.Errorf("Wanted get first followed by 6 get next got %v", fr.sent)
	}
}

func TestReadModemDBErrors(t *testing.T) {
	modem := insteon.NewAddress(0x01, 0x02, 0x03)

	t.Run("empty database", func(t *testing.T) {
		fr := newFakeRequester()
		entries, err := readModemDB(context.Background(), fr, fr.ch, time.Second, "plm", modem)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if len(entries) != 1 || !entries[modem].Modem {
			t.Errorf("Wanted only the modem entry got %v", entries)
		}
	})

	t.Run("send failure", func(t *testing.T) {
		fr := newFakeRequester()
		fr.err = ErrAckTimeout
		_, err := readModemDB(context.Background(), fr, fr.ch, time.Second, "plm", modem)
		if !errors.Is(err, ErrAckTimeout) {
			t.Errorf("Wanted %v got %v", ErrAckTimeout, err)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		fr := newFakeRequester(linkRecord(0xe2, 1, insteon.NewAddress(0x1a, 0x2b, 0x3c)))
		fr.noReply = true
		_, err := readModemDB(context.Background(), fr, fr.ch, 10*time.Millisecond, "plm", modem)
		if !errors.Is(err, ErrReadTimeout) {
			t.Errorf("Wanted %v got %v", ErrReadTimeout, err)
		}
	})
}

func TestModemDBEntryString(t *testing.T) {
	entry := &ModemDBEntry{Address: insteon.NewAddress(0x01, 0x02, 0x03), Port: "plm", Modem: true}
	want := "01.02.03: this is the modem itself (port plm)"
	if entry.String() != want {
		t.Errorf("Wanted %q got %q", want, entry.String())
	}

	x10 := &ModemDBEntry{Address: insteon.X10Address{House: 'A', Unit: 1}, Port: "plm"}
	want = "A.1: modem controls groups [] and responds to groups [] on port plm"
	if x10.String() != want {
		t.Errorf("Wanted %q got %q", want, x10.String())
	}
}

func TestModemDBReplace(t *testing.T) {
	db := &ModemDB{}
	entries := db.Lock()
	if len(entries) != 0 {
		t.Errorf("Wanted empty snapshot got %v", entries)
	}
	db.Unlock()

	addr := insteon.NewAddress(0x1a, 0x2b, 0x3c)
	db.Replace(map[insteon.DeviceAddress]*ModemDBEntry{addr: {Address: addr}})

	entries = db.Lock()
	_, found := entries[addr]
	db.Unlock()

	if !found {
		t.Errorf("Wanted %v in the replaced snapshot", addr)
	}

	if db.Len() != 1 {
		t.Errorf("Wanted length 1 got %d", db.Len())
	}
}
