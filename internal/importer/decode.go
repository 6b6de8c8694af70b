package importer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodeError reports input that is not a readable JSON array or object.
// It stops the whole import since the stream cannot be resynchronized.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, encoding.ErrInvalidUTF8) {
		return fmt.Sprintf("decode record %d: input is not valid UTF-8", e.Index)
	}
	return fmt.Sprintf("decode record %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder reads import records one at a time from a JSON array, or a single
// JSON object, without loading the whole input. A UTF-8 or UTF-16 byte order
// mark is honored and stripped; input without one must be valid UTF-8.
type Decoder struct {
	r       *bufio.Reader
	dec     *json.Decoder
	started bool
	array   bool
	done    bool
	index   int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	tr := transform.NewReader(r, unicode.BOMOverride(encoding.UTF8Validator))
	return &Decoder{r: bufio.NewReader(tr)}
}

// Next returns the raw JSON of the next record and its index. It returns
// io.EOF after the last record.
func (d *Decoder) Next() (json.RawMessage, int, error) {
	if d.done {
		return nil, d.index, io.EOF
	}
	if !d.started {
		if err := d.start(); err != nil {
			d.done = true
			return nil, d.index, err
		}
	}

	if d.array && !d.dec.More() {
		d.done = true
		if _, err := d.dec.Token(); err != nil {
			return nil, d.index, &DecodeError{Index: d.index, Err: err}
		}
		return nil, d.index, io.EOF
	}

	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		d.done = true
		return nil, d.index, &DecodeError{Index: d.index, Err: err}
	}
	if !d.array {
		d.done = true
	}

	i := d.index
	d.index++
	return raw, i, nil
}

func (d *Decoder) start() error {
	d.started = true

	b, err := d.peekNonSpace()
	if errors.Is(err, io.EOF) {
		return &DecodeError{Err: errors.New("empty input")}
	}
	if err != nil {
		return &DecodeError{Err: err}
	}

	d.dec = json.NewDecoder(d.r)
	switch b {
	case '[':
		if _, err := d.dec.Token(); err != nil {
			return &DecodeError{Err: err}
		}
		d.array = true
	case '{':
	default:
		return &DecodeError{Err: fmt.Errorf("expected JSON array or object, found %q", b)}
	}
	return nil
}

func (d *Decoder) peekNonSpace() (byte, error) {
	for {
		b, err := d.r.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = d.r.ReadByte()
		default:
			return b[0], nil
		}
	}
}
