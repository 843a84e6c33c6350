package plm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Direction of a traced frame
type Direction uint8

const (
	// DirectionRx is a frame read from the modem
	DirectionRx Direction = 0
	// DirectionTx is a frame written to the modem
	DirectionTx Direction = 1
)

func (d Direction) String() string {
	if d == DirectionTx {
		return "TX"
	}
	return "RX"
}

// TraceEvent is one recorded frame
type TraceEvent struct {
	Time      time.Time `cbor:"1,keyasint"`
	Session   string    `cbor:"2,keyasint"`
	Port      string    `cbor:"3,keyasint,omitempty"`
	Direction Direction `cbor:"4,keyasint"`
	Frame     []byte    `cbor:"5,keyasint"`
}

// Packet decodes the recorded frame
func (te *TraceEvent) Packet() (*Packet, error) {
	packet := &Packet{}
	return packet, packet.unmarshal(te.Frame, te.Direction == DirectionRx)
}

var (
	traceEncMode cbor.EncMode
	traceDecMode cbor.DecMode
)

func init() {
	var err error
	traceEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR encoder mode: %v", err))
	}

	traceDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR decoder mode: %v", err))
	}
}

// Recorder appends every frame exchanged with the modem to a CBOR
// stream. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	w       io.WriteCloser
	enc     *cbor.Encoder
	session string
	closed  bool
}

// NewRecorder writes trace events to w. Each recorder gets its own
// session id so several runs can share one file.
func NewRecorder(w io.WriteCloser) *Recorder {
	return &Recorder{
		w:       w,
		enc:     traceEncMode.NewEncoder(w),
		session: uuid.NewString(),
	}
}

// OpenRecorder appends trace events to the file at path
func OpenRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewRecorder(f), nil
}

// Session is the id stamped on every event from this recorder
func (r *Recorder) Session() string { return r.session }

// Record writes one frame. Encoding errors are logged, tracing never
// interrupts the driver.
func (r *Recorder) Record(port string, dir Direction, frame []byte) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	event := TraceEvent{
		Time:      time.Now(),
		Session:   r.session,
		Port:      port,
		Direction: dir,
		Frame:     append([]byte(nil), frame...),
	}

	if err := r.enc.Encode(event); err != nil {
		Log.Infof("failed to record frame: %v", err)
	}
}

// Close closes the underlying writer. It is safe to call Close more
// than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}

// ReadTrace calls fn for every event in the stream until the stream
// ends or fn returns an error
func ReadTrace(r io.Reader, fn func(*TraceEvent) error) error {
	dec := traceDecMode.NewDecoder(r)
	for {
		event := &TraceEvent{}
		if err := dec.Decode(event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := fn(event); err != nil {
			return err
		}
	}
}
