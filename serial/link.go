/*Package serial provides a byte-level framed duplex channel to the motion
firmware: a line reader broadcasting to subscribers, a single-writer queue
that preserves command order, and bounded reconnect with exponential
backoff.

It plays the same role comm.RemoteDevice plays for a synchronous
request/response device, generalized for a firmware that also emits
unsolicited asynchronous messages interleaved with command responses: rather
than pairing one write with one read, the reader runs continuously and fans
every line out to subscribers tagged with a receive timestamp.
*/
package serial

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	tarmserial "github.com/tarm/serial"
)

// Line is one logical, newline-terminated message received from the link,
// tagged with the time it was received.
type Line struct {
	Text string
	At   time.Time
}

// ErrNotOpen is returned by Write/WriteRealtime when the link has no live
// connection.
var ErrNotOpen = fmt.Errorf("serial link not open")

// Opener constructs the underlying connection. Production code uses
// TarmSerialOpener; tests substitute an in-memory pipe.
type Opener func() (io.ReadWriteCloser, error)

// TarmSerialOpener returns an Opener that opens a real serial port at the
// given device path and baud rate, 8N1, matching the wire contract in
// spec §6.
func TarmSerialOpener(port string, baud int) Opener {
	if baud == 0 {
		baud = 115200
	}
	cfg := &tarmserial.Config{
		Name:        port,
		Baud:        baud,
		Size:        8,
		Parity:      tarmserial.ParityNone,
		StopBits:    tarmserial.Stop1,
		ReadTimeout: 0,
	}
	return func() (io.ReadWriteCloser, error) {
		return tarmserial.OpenPort(cfg)
	}
}

// Link is a concurrent-safe line-oriented duplex channel. All connects,
// writes, and reads are mediated so that a single writer goroutine
// serializes outbound command order and a single reader goroutine is the
// sole source of inbound lines.
type Link struct {
	open Opener
	log  *log.Logger

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	healthy bool
	closed  bool

	writeCh chan writeReq
	subMu   sync.Mutex
	subs    map[int]chan Line
	nextSub int

	// InitSequence is resent after every successful reconnect.
	InitSequence []string

	stopCh chan struct{}
}

type writeReq struct {
	line string
	errc chan error
}

// NewLink constructs a Link around the given Opener. Call Open to establish
// the connection and start the reader/writer goroutines.
func NewLink(open Opener) *Link {
	return &Link{
		open:    open,
		log:     log.New(log_output(), "[serial] ", log.LstdFlags),
		writeCh: make(chan writeReq, 16),
		subs:    make(map[int]chan Line),
		stopCh:  make(chan struct{}),
	}
}

// log_output exists purely so tests can be silent without a package level
// var; kept as a function for clarity of intent.
func log_output() io.Writer { return logWriter }

var logWriter io.Writer = logDiscard{}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

// SetLogOutput redirects link diagnostic logging, which is discarded by
// default.
func SetLogOutput(w io.Writer) { logWriter = w }

// Open establishes the connection and starts the background reader and
// writer. It is safe to call once; subsequent opens of an already-open link
// are a no-op.
func (l *Link) Open() error {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	// the writer must be running before connect, which sends InitSequence
	// through Write and blocks until each line is written
	go l.writeLoop()
	if err := l.connect(); err != nil {
		return err
	}
	go l.readLoop()
	return nil
}

func (l *Link) connect() error {
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := l.open()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return fmt.Errorf("serial: connect failed: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.healthy = true
	l.mu.Unlock()
	for _, s := range l.InitSequence {
		if werr := l.Write(s); werr != nil {
			l.log.Printf("init sequence command %q failed: %v", s, werr)
		}
	}
	return nil
}

// Subscribe returns a channel that receives every line read from the link
// from this point forward, and an unsubscribe function. The channel is
// buffered; slow subscribers may miss lines under heavy load rather than
// blocking the reader.
func (l *Link) Subscribe() (<-chan Line, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan Line, 64)
	l.subs[id] = ch
	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (l *Link) broadcast(line Line) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- line:
		default:
			// drop rather than block the reader; a parser that cannot
			// keep up with a 200ms status cadence has bigger problems
		}
	}
}

func (l *Link) readLoop() {
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}
		reader := bufio.NewReader(conn)
		for {
			raw, err := reader.ReadString('\n')
			if err != nil {
				l.markUnhealthy(err)
				break
			}
			text := strings.TrimRight(raw, "\r\n")
			if text == "" {
				continue
			}
			l.broadcast(Line{Text: text, At: time.Now()})
		}
		select {
		case <-l.stopCh:
			return
		default:
		}
		if l.reconnect() != nil {
			return
		}
	}
}

func (l *Link) markUnhealthy(err error) {
	l.mu.Lock()
	l.healthy = false
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
	l.log.Printf("link error: %v", err)
}

func (l *Link) reconnect() error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return fmt.Errorf("link closed")
	}
	return l.connect()
}

func (l *Link) writeLoop() {
	for req := range l.writeCh {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			req.errc <- ErrNotOpen
			continue
		}
		_, err := io.WriteString(conn, req.line+"\n")
		req.errc <- err
	}
}

// Write enqueues a command line for transmission, appending the terminating
// newline, and blocks until it has been written (or failed). Writes are
// totally ordered: the next Write is not dequeued until the previous one
// has returned.
func (l *Link) Write(line string) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrNotOpen
	}
	errc := make(chan error, 1)
	l.writeCh <- writeReq{line: line, errc: errc}
	return <-errc
}

// WriteRealtime writes a single real-time control byte (feed-hold 0x21,
// resume 0x7E, soft-reset 0x18) directly to the wire, bypassing the
// ordered command queue so it is never delayed behind queued motion
// commands.
func (l *Link) WriteRealtime(b byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	_, err := conn.Write([]byte{b})
	return err
}

// Healthy reports whether the most recent I/O on the link succeeded.
func (l *Link) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthy
}

// Close terminates the link and its background goroutines.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	close(l.stopCh)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
