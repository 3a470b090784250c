package fix

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// checksumFieldLen is len("10=NNN\x01").
const checksumFieldLen = 7

// Reader splits a byte stream into raw frames using the declared BodyLength.
// Frames are returned undecoded; pass them to Decode.
type Reader struct {
	r       *bufio.Reader
	maxBody int
}

func NewReader(r io.Reader, maxBody int) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096), maxBody: maxBody}
}

// ReadFrame blocks until one complete frame has been read. io.EOF is returned
// only when the stream ends cleanly between frames.
func (fr *Reader) ReadFrame() ([]byte, error) {
	begin, err := fr.readField(TagBeginString, 32)
	if err != nil {
		return nil, err
	}
	lenField, err := fr.readField(TagBodyLength, 16)
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	n, err := strconv.Atoi(string(lenField[2 : len(lenField)-1]))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad BodyLength %q", ErrMalformed, lenField)
	}
	if n > fr.maxBody {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit %d", ErrMalformed, n, fr.maxBody)
	}

	frame := make([]byte, 0, len(begin)+len(lenField)+n+checksumFieldLen)
	frame = append(frame, begin...)
	frame = append(frame, lenField...)
	body := make([]byte, n+checksumFieldLen)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, unexpectedEOF(err)
	}
	if !bytes.HasPrefix(body[n:], []byte("10=")) || body[len(body)-1] != SOH {
		return nil, fmt.Errorf("%w: CheckSum not found where BodyLength %d ends", ErrLengthMismatch, n)
	}
	return append(frame, body...), nil
}

// readField reads "<tag>=value\x01" and returns it including the delimiter.
func (fr *Reader) readField(tag, max int) ([]byte, error) {
	var buf []byte
	for {
		c, err := fr.r.ReadByte()
		if err != nil {
			if len(buf) > 0 {
				return nil, unexpectedEOF(err)
			}
			return nil, err
		}
		buf = append(buf, c)
		if c == SOH {
			break
		}
		if len(buf) > max {
			return nil, fmt.Errorf("%w: field %d too long", ErrMalformed, tag)
		}
	}
	prefix := strconv.Itoa(tag) + "="
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return nil, fmt.Errorf("%w: expected tag %d, got %q", ErrMalformed, tag, buf)
	}
	return buf, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
