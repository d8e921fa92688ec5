package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes bounds a single envelope line. Lines beyond this abort the
// stream with bufio.ErrTooLong rather than growing without limit.
const MaxLineBytes = 1 << 20

// Reader parses newline-delimited JSON envelopes from a byte stream. It
// tolerates arbitrary chunk boundaries: partial lines are retained until the
// terminating line feed arrives. Empty lines are ignored.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r for envelope reading.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Reader{sc: sc}
}

// Next returns the next envelope on the stream.
//
// A line that is not valid JSON yields a *DecodeError; the stream stays
// usable and the following call resumes at the next line. Transport errors
// and io.EOF end the stream.
func (r *Reader) Next() (*Envelope, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		env := &Envelope{}
		if err := json.Unmarshal(line, env); err != nil {
			raw := make([]byte, len(line))
			copy(raw, line)
			return nil, &DecodeError{Line: raw, Err: err}
		}
		return env, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// DecodeError reports a line that could not be parsed as an envelope. The
// connection it arrived on remains usable.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed envelope line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes env to its wire form: one JSON line including the
// trailing line feed.
func Encode(env *Envelope) ([]byte, error) {
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// Writer serializes envelopes onto a byte stream, one line per envelope.
// Each envelope goes out in a single Write call under a mutex so concurrent
// writers never interleave bytes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for envelope writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write sends one envelope. It returns once the bytes are handed to the
// underlying writer.
func (w *Writer) Write(env *Envelope) error {
	line, err := Encode(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(line)
	return err
}
