// Package fix implements the tag=value wire format used by client sessions:
// framing, BodyLength and CheckSum computation, and typed message variants.
package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformed          = errors.New("fix: malformed message")
	ErrChecksumMismatch   = errors.New("fix: checksum mismatch")
	ErrLengthMismatch     = errors.New("fix: body length mismatch")
	ErrMissingField       = errors.New("fix: required field missing")
	ErrUnsupportedMsgType = errors.New("fix: unsupported msg type")
)

type Field struct {
	Tag   int
	Value string
}

// Message is an ordered list of fields as they appear on the wire.
type Message []Field

// Get returns the value of the first occurrence of tag.
func (m Message) Get(tag int) (string, bool) {
	for _, f := range m {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

func (m Message) MsgType() string {
	v, _ := m.Get(TagMsgType)
	return v
}

// Checksum is the modulo-256 byte sum rendered as three decimal digits.
func Checksum(b []byte) string {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return fmt.Sprintf("%03d", sum%256)
}

func appendField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(SOH)
}

// Encode serializes m. The first field must be BeginString; BodyLength and
// CheckSum are always computed here and any values present in m are ignored.
func Encode(m Message) ([]byte, error) {
	if len(m) == 0 || m[0].Tag != TagBeginString || m[0].Value == "" {
		return nil, fmt.Errorf("%w: first field must be BeginString", ErrMalformed)
	}

	var body bytes.Buffer
	for _, f := range m[1:] {
		if f.Tag == TagBodyLength || f.Tag == TagCheckSum {
			continue
		}
		if f.Tag <= 0 || strings.IndexByte(f.Value, SOH) >= 0 {
			return nil, fmt.Errorf("%w: bad field %d", ErrMalformed, f.Tag)
		}
		appendField(&body, f.Tag, f.Value)
	}

	var out bytes.Buffer
	out.Grow(body.Len() + 32)
	appendField(&out, TagBeginString, m[0].Value)
	appendField(&out, TagBodyLength, strconv.Itoa(body.Len()))
	out.Write(body.Bytes())
	appendField(&out, TagCheckSum, Checksum(out.Bytes()))
	return out.Bytes(), nil
}

// Decode parses one complete frame. It never returns a partial message.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 || b[len(b)-1] != SOH {
		return nil, fmt.Errorf("%w: frame not terminated by SOH", ErrMalformed)
	}

	var (
		msg       Message
		offsets   []int // start offset of each field
		pos       int
		bodyStart int
	)
	for pos < len(b) {
		end := pos + bytes.IndexByte(b[pos:], SOH)
		raw := b[pos:end]
		eq := bytes.IndexByte(raw, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: field %q lacks tag=value", ErrMalformed, raw)
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil || tag <= 0 {
			return nil, fmt.Errorf("%w: bad tag %q", ErrMalformed, raw[:eq])
		}
		msg = append(msg, Field{Tag: tag, Value: string(raw[eq+1:])})
		offsets = append(offsets, pos)
		pos = end + 1
		if len(msg) == 2 {
			bodyStart = pos
		}
	}

	if len(msg) < 3 || msg[0].Tag != TagBeginString || msg[1].Tag != TagBodyLength {
		return nil, fmt.Errorf("%w: frame must start with BeginString and BodyLength", ErrMalformed)
	}
	last := len(msg) - 1
	if msg[last].Tag != TagCheckSum {
		return nil, fmt.Errorf("%w: CheckSum must be the final field", ErrMalformed)
	}
	for _, f := range msg[2:last] {
		if f.Tag == TagBeginString || f.Tag == TagBodyLength || f.Tag == TagCheckSum {
			return nil, fmt.Errorf("%w: tag %d repeated inside body", ErrMalformed, f.Tag)
		}
	}

	declared, err := strconv.Atoi(msg[1].Value)
	if err != nil || declared < 0 {
		return nil, fmt.Errorf("%w: bad BodyLength %q", ErrMalformed, msg[1].Value)
	}
	trailer := offsets[last]
	if actual := trailer - bodyStart; actual != declared {
		return nil, fmt.Errorf("%w: declared %d, actual %d", ErrLengthMismatch, declared, actual)
	}

	if want := Checksum(b[:trailer]); msg[last].Value != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, msg[last].Value, want)
	}

	return msg, nil
}
