// Package trace records the allocator's event stream: every allocation, pinned and degraded
// allocation, and region activity. Events are msgpack-encoded back to back so an external
// profiler can stream them without framing.
//
// Tracing is diagnostic only. A failing writer never affects allocation; the first error is
// kept and reported by Err and Close.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies an event.
type Kind uint8

const (
	KindAlloc Kind = iota + 1
	KindAllocPinned
	KindAllocDegraded
	KindAllocLarge
	KindRegionEnter
	KindRegionExit
	KindRegionStuck
	KindRegionBail
	KindCollection
)

var kindNames = map[Kind]string{
	KindAlloc:         "alloc",
	KindAllocPinned:   "alloc-pinned",
	KindAllocDegraded: "alloc-degraded",
	KindAllocLarge:    "alloc-large",
	KindRegionEnter:   "region-enter",
	KindRegionExit:    "region-exit",
	KindRegionStuck:   "region-stuck",
	KindRegionBail:    "region-bail",
	KindCollection:    "collection",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is one trace record. Fields irrelevant to a kind are left zero and omitted on the
// wire.
type Event struct {
	Kind       Kind   `msgpack:"k"`
	Thread     uint64 `msgpack:"t,omitempty"`
	Addr       uint64 `msgpack:"a,omitempty"`
	VTable     uint64 `msgpack:"v,omitempty"`
	Size       int    `msgpack:"s,omitempty"`
	Provenance uint64 `msgpack:"p,omitempty"`
	Reason     string `msgpack:"r,omitempty"`
}

// Recorder consumes events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ev Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) {}

// Writer encodes events to an io.Writer.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	enc    *msgpack.Encoder
	closer io.Closer
	count  int
	err    error
}

// NewWriter encodes to w. If w is an io.Closer, Close closes it.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	tw := &Writer{bw: bw, enc: msgpack.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

// Record implements Recorder.
func (w *Writer) Record(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if err := w.enc.Encode(&ev); err != nil {
		w.err = fmt.Errorf("trace: encode %s: %w", ev.Kind, err)
		return
	}
	w.count++
}

// Count returns the number of events encoded so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Err returns the first encoding error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Flush writes buffered events through.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

// Close flushes and closes the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.err
	if ferr := w.bw.Flush(); err == nil {
		err = ferr
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

// Reader decodes a stream written by Writer.
type Reader struct {
	dec *msgpack.Decoder
}

// NewReader decodes from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next event, or io.EOF at the end of the stream.
func (r *Reader) Next() (Event, error) {
	var ev Event
	if err := r.dec.Decode(&ev); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("trace: decode: %w", err)
	}
	return ev, nil
}

// ReadAll decodes every event in r.
func ReadAll(r io.Reader) ([]Event, error) {
	tr := NewReader(r)
	var out []Event
	for {
		ev, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Buffer keeps events in memory. Useful in tests and for short simulations.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Recorder.
func (b *Buffer) Record(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Count returns how many events of kind k were recorded.
func (b *Buffer) Count(k Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}
