// Package dis implements the Data-Is-Strings encoding used for state files.
//
// A number is written as [count chain] sign digits, where sign is '+' or
// '-'. One digit needs no count; N>1 digits are prefixed with N, which
// recursively gets its own count. Examples: 5 -> "+5", 15 -> "2+15",
// 1234567890 -> "210+1234567890". A string is its length as an unsigned
// number followed by the raw bytes.
package dis

import (
	"bufio"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrNegative is returned when an unsigned read meets a '-' sign.
var ErrNegative = errors.New("dis: unexpected negative")

// Reader reads DIS-encoded data from a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// disrsi reads a signed integer whose digit count is count.
func (r *Reader) disrsi(count int) (uint64, bool, error) {
	c, err := r.r.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch {
	case c == '+' || c == '-':
		buf := make([]byte, count)
		if _, err = io.ReadFull(r.r, buf); err != nil {
			return 0, false, err
		}
		val, err := strconv.ParseUint(string(buf), 10, 64)
		if err != nil {
			return 0, false, errors.Wrapf(err, "dis: parse digits %q", buf)
		}
		return val, c == '-', nil

	case c >= '1' && c <= '9':
		ndigs := int(c - '0')
		if count > 1 {
			buf := make([]byte, count-1)
			if _, err = io.ReadFull(r.r, buf); err != nil {
				return 0, false, err
			}
			for _, b := range buf {
				if b < '0' || b > '9' {
					return 0, false, errors.Errorf("dis: non-digit %q in count", b)
				}
				ndigs = 10*ndigs + int(b-'0')
			}
		}
		if ndigs > 20 {
			return 0, false, errors.Errorf("dis: digit count %d overflows", ndigs)
		}
		return r.disrsi(ndigs)

	case c == '0':
		return 0, false, errors.New("dis: leading zero in count")

	default:
		return 0, false, errors.Errorf("dis: unexpected byte 0x%02x", c)
	}
}

// ReadUint reads an unsigned integer.
func (r *Reader) ReadUint() (uint64, error) {
	val, negate, err := r.disrsi(1)
	if err != nil {
		return 0, errors.Wrap(err, "dis: ReadUint")
	}
	if negate {
		return 0, ErrNegative
	}
	return val, nil
}

// ReadInt reads a signed integer.
func (r *Reader) ReadInt() (int64, error) {
	val, negate, err := r.disrsi(1)
	if err != nil {
		return 0, errors.Wrap(err, "dis: ReadInt")
	}
	if negate {
		return -int64(val), nil
	}
	return int64(val), nil
}

// ReadUint32 reads an unsigned integer that must fit 32 bits.
func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.ReadUint()
	if err != nil {
		return 0, err
	}
	if v > uint64(^uint32(0)) {
		return 0, errors.Errorf("dis: %d overflows uint32", v)
	}
	return uint32(v), nil
}

// ReadUint16 reads an unsigned integer that must fit 16 bits.
func (r *Reader) ReadUint16() (uint16, error) {
	v, err := r.ReadUint()
	if err != nil {
		return 0, err
	}
	if v > uint64(^uint16(0)) {
		return 0, errors.Errorf("dis: %d overflows uint16", v)
	}
	return uint16(v), nil
}

// ReadTime reads seconds since the epoch. Zero reads as the zero Time.
func (r *Reader) ReadTime() (time.Time, error) {
	v, err := r.ReadInt()
	if err != nil {
		return time.Time{}, err
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return time.Unix(v, 0), nil
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	length, err := r.ReadUint()
	if err != nil {
		return "", errors.Wrap(err, "dis: ReadString length")
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err = io.ReadFull(r.r, buf); err != nil {
		return "", errors.Wrap(err, "dis: ReadString data")
	}
	return string(buf), nil
}

// More reports whether any input remains.
func (r *Reader) More() bool {
	_, err := r.r.Peek(1)
	return err == nil
}

// Writer writes DIS-encoded data to a stream.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w. Callers must Flush.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) writeNumber(sign byte, digits string) error {
	prefix := string(sign)
	for ndigs := len(digits); ndigs > 1; {
		countStr := strconv.Itoa(ndigs)
		prefix = countStr + prefix
		ndigs = len(countStr)
	}
	if _, err := w.w.WriteString(prefix); err != nil {
		return err
	}
	_, err := w.w.WriteString(digits)
	return err
}

// WriteUint writes an unsigned integer.
func (w *Writer) WriteUint(val uint64) error {
	return w.writeNumber('+', strconv.FormatUint(val, 10))
}

// WriteInt writes a signed integer.
func (w *Writer) WriteInt(val int64) error {
	if val < 0 {
		return w.writeNumber('-', strconv.FormatUint(uint64(-val), 10))
	}
	return w.writeNumber('+', strconv.FormatInt(val, 10))
}

// WriteTime writes t as seconds since the epoch, zero for the zero Time.
func (w *Writer) WriteTime(t time.Time) error {
	if t.IsZero() {
		return w.WriteInt(0)
	}
	return w.WriteInt(t.Unix())
}

// WriteString writes a length-prefixed string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint(uint64(len(s))); err != nil {
		return err
	}
	if len(s) > 0 {
		_, err := w.w.WriteString(s)
		return err
	}
	return nil
}

// Flush flushes the write buffer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}
