package plm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Request is a frame waiting to be written to the modem
type Request struct {
	Packet *Packet

	// QuietTime is how long the queue waits after this request
	// completes before dispatching the next one. Zero selects the
	// queue default for the frame.
	QuietTime time.Duration

	// Done, when set, is called exactly once with the modem echo or
	// the reason the request failed
	Done func(ack *Packet, err error)
}

func (req *Request) complete(ack *Packet, err error) {
	if req.Done != nil {
		req.Done(ack, err)
	}
}

// Writer accepts requests for delivery to the modem
type Writer interface {
	Write(req *Request) error
}

// QueueOption configures a RequestQueue
type QueueOption func(q *RequestQueue)

// AckTimeout sets how long the queue waits for the modem echo
func AckTimeout(timeout time.Duration) QueueOption {
	return func(q *RequestQueue) { q.timeout = timeout }
}

// Retries sets how many times a frame is resent when the modem
// reports it is busy
func Retries(retries int) QueueOption {
	return func(q *RequestQueue) { q.retries = retries }
}

// NakDelay sets the pause before resending a frame the modem refused
func NakDelay(delay time.Duration) QueueOption {
	return func(q *RequestQueue) { q.nakDelay = delay }
}

// QuietTimeFunc sets the function used for requests without an
// explicit quiet time
func QuietTimeFunc(fn func(*Packet) time.Duration) QueueOption {
	return func(q *RequestQueue) { q.quietTime = fn }
}

var errModemBusy = errors.New("modem busy")

// RequestQueue writes one frame at a time. The next frame is not
// written until the previous one has been echoed by the modem or has
// timed out.
type RequestQueue struct {
	write     func(*Packet) error
	timeout   time.Duration
	retries   int
	nakDelay  time.Duration
	quietTime func(*Packet) time.Duration

	mu      sync.Mutex
	pending []*Request
	started bool
	stopped bool
	notify  chan struct{}

	acks     chan *Packet
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRequestQueue returns a stopped queue that writes frames with write
func NewRequestQueue(write func(*Packet) error, options ...QueueOption) *RequestQueue {
	q := &RequestQueue{
		write:     write,
		timeout:   3 * time.Second,
		retries:   DefaultRetries,
		nakDelay:  150 * time.Millisecond,
		quietTime: func(*Packet) time.Duration { return 0 },
		notify:    make(chan struct{}, 1),
		acks:      make(chan *Packet, 8),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, o := range options {
		o(q)
	}
	return q
}

// Start launches the dispatch goroutine
func (q *RequestQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.loop()
}

// Enqueue adds req to the end of the queue. Done is not called when
// Enqueue returns an error.
func (q *RequestQueue) Enqueue(req *Request) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Write satisfies the Writer interface
func (q *RequestQueue) Write(req *Request) error {
	return q.Enqueue(req)
}

// Send enqueues pkt and waits for it to complete
func (q *RequestQueue) Send(ctx context.Context, pkt *Packet) (*Packet, error) {
	type result struct {
		ack *Packet
		err error
	}

	ch := make(chan result, 1)
	err := q.Enqueue(&Request{Packet: pkt, Done: func(ack *Packet, err error) { ch <- result{ack, err} }})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len is the number of requests waiting to be dispatched
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Acknowledge delivers echo and pure NAK frames read from the modem
func (q *RequestQueue) Acknowledge(pkt *Packet) {
	select {
	case q.acks <- pkt:
	default:
		Log.Debugf("dropping unexpected %v", pkt)
	}
}

// Stop fails the in flight request and every queued request with
// ErrQueueStopped. Stop may be called more than once.
func (q *RequestQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.stopCh)
	})

	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.done
	}

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.complete(nil, ErrQueueStopped)
	}
}

func (q *RequestQueue) next() (*Request, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return req, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.stopCh:
			return nil, false
		}
	}
}

func (q *RequestQueue) loop() {
	defer close(q.done)
	for {
		req, ok := q.next()
		if !ok {
			return
		}

		ack, err := q.dispatch(req.Packet)
		req.complete(ack, err)
		if errors.Is(err, ErrQueueStopped) {
			return
		}

		quiet := req.QuietTime
		if quiet == 0 {
			quiet = q.quietTime(req.Packet)
		}

		if quiet > 0 {
			select {
			case <-time.After(quiet):
			case <-q.stopCh:
				return
			}
		}
	}
}

func (q *RequestQueue) dispatch(pkt *Packet) (ack *Packet, err error) {
	for attempt := 0; ; attempt++ {
		ack, err = q.transmit(pkt)
		if !errors.Is(err, errModemBusy) {
			return ack, err
		}

		if attempt >= q.retries {
			Log.Debugf("retry count exceeded for %v", pkt)
			return ack, ErrNak
		}

		select {
		case <-time.After(q.nakDelay):
		case <-q.stopCh:
			return nil, ErrQueueStopped
		}
	}
}

// retryable frames are resent when the modem echoes them with a NAK.
// Other commands use the NAK as an answer (end of link table).
func retryable(cmd Command) bool {
	return cmd == CmdSendInsteonMsg || cmd == CmdSendX10
}

func (q *RequestQueue) transmit(pkt *Packet) (*Packet, error) {
	// discard echoes that arrived after their request timed out
	for len(q.acks) > 0 {
		<-q.acks
	}

	if err := q.write(pkt); err != nil {
		return nil, err
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-q.acks:
			if ack.Kind() == KindPureNak {
				return nil, errModemBusy
			}

			if ack.Command != pkt.Command {
				Log.Debugf("ignoring %v while waiting for %v", ack, pkt.Command)
				continue
			}

			if ack.NAK() {
				if retryable(pkt.Command) {
					return ack, errModemBusy
				}
				return ack, ErrNak
			}
			return ack, nil
		case <-timer.C:
			Log.Infof("timeout waiting for modem to echo %v", pkt)
			return nil, ErrAckTimeout
		case <-q.stopCh:
			return nil, ErrQueueStopped
		}
	}
}
