package plm

import (
	"bytes"
	"testing"
)

type nopCloser struct {
	*bytes.Buffer
	closed int
}

func (nc *nopCloser) Close() error {
	nc.closed++
	return nil
}

func TestRecorder(t *testing.T) {
	buf := &nopCloser{Buffer: &bytes.Buffer{}}
	rec := NewRecorder(buf)

	tx := []byte{0x02, 0x62, 0x11, 0x22, 0x33, 0x0f, 0x11, 0xff}
	rx := []byte{0x02, 0x62, 0x11, 0x22, 0x33, 0x0f, 0x11, 0xff, 0x06}
	rec.Record("plm", DirectionTx, tx)
	rec.Record("plm", DirectionRx, rx)

	if err := rec.Close(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	rec.Record("plm", DirectionTx, tx)
	rec.Close()

	if buf.closed != 1 {
		t.Errorf("Wanted writer closed once got %d", buf.closed)
	}

	var events []*TraceEvent
	err := ReadTrace(buf, func(event *TraceEvent) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("Wanted 2 events got %d", len(events))
	}

	for i, want := range []struct {
		dir   Direction
		frame []byte
	}{{DirectionTx, tx}, {DirectionRx, rx}} {
		event := events[i]
		if event.Session != rec.Session() {
			t.Errorf("events[%d] wanted session %q got %q", i, rec.Session(), event.Session)
		}

		if event.Direction != want.dir || !bytes.Equal(event.Frame, want.frame) {
			t.Errorf("events[%d] wanted %v %x got %v %x", i, want.dir, want.frame, event.Direction, event.Frame)
		}

		pkt, err := event.Packet()
		if err != nil {
			t.Errorf("events[%d] unexpected error: %v", i, err)
		} else if pkt.Command != CmdSendInsteonMsg {
			t.Errorf("events[%d] wanted %v got %v", i, CmdSendInsteonMsg, pkt.Command)
		}
	}

	if pkt, _ := events[1].Packet(); !pkt.ACK() {
		t.Errorf("Wanted received echo to carry the ACK")
	}
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	// a driver without a recorder records nothing
	rec.Record("plm", DirectionTx, []byte{0x02, 0x60})
}
