// Package journal appends peripheral state transitions to a CBOR file so a
// session's history can be inspected after the fact.
package journal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chaz8081/blegate/internal/session"
)

// Record is one state transition. Integer keys keep the file compact.
type Record struct {
	Time         time.Time `cbor:"1,keyasint"`
	PeripheralID string    `cbor:"2,keyasint"`
	Name         string    `cbor:"3,keyasint,omitempty"`
	From         string    `cbor:"4,keyasint"`
	To           string    `cbor:"5,keyasint"`
	Error        string    `cbor:"6,keyasint,omitempty"`
	RSSI         *int      `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("journal: decoder mode: %v", err))
	}
}

// FromChange converts a session transition.
func FromChange(c session.Change) Record {
	r := Record{
		Time:         c.Peripheral.UpdatedAt,
		PeripheralID: c.Peripheral.ID,
		Name:         c.Peripheral.Name,
		From:         c.From.String(),
		To:           c.To.String(),
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	if c.Err != nil {
		r.Error = c.Err.Error()
	}
	if c.Peripheral.LastRSSI != nil {
		v := *c.Peripheral.LastRSSI
		r.RSSI = &v
	}
	return r
}

// Writer appends records to a file. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	enc    *cbor.Encoder
	closed bool
}

// Open opens path for appending, creating it if needed.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Writer{file: f, enc: encMode.NewEncoder(f)}, nil
}

// Write appends r. Writes after Close are ignored.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	return nil
}

// Observe records c. Its signature matches session.StateListener so it can
// be passed to Manager.Watch directly.
func (w *Writer) Observe(c session.Change) {
	if err := w.Write(FromChange(c)); err != nil {
		slog.Warn("[JOURNAL] write failed", "id", c.Peripheral.ID, "error", err)
	}
}

// Close closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Reader streams records from a journal file.
type Reader struct {
	file *os.File
	dec  *cbor.Decoder
}

// NewReader opens a journal for reading.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Reader{file: f, dec: decMode.NewDecoder(f)}, nil
}

// Next returns the next record, or io.EOF at the end of the file.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("journal: decode: %w", err)
	}
	return rec, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll decodes every record in path.
func ReadAll(path string) ([]Record, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
