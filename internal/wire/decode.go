package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// Decoder reads frames off a connection according to spec §4.A.
//
// The read loop is written the way the teacher's client.go reads its own
// newline-delimited control frames: sequential, explicit byte-at-a-time
// reads rather than a generic parser combinator, because the header fields
// each have distinct validation rules that read better spelled out.
type Decoder struct {
	conn  net.Conn
	r     *bufio.Reader
	types TypeTable
}

// NewDecoder wraps conn for frame decoding against the given type table.
func NewDecoder(conn net.Conn, types TypeTable) *Decoder {
	if types == nil {
		types = DefaultTypes
	}
	return &Decoder{conn: conn, r: bufio.NewReader(conn), types: types}
}

// timeoutReader tracks whether any byte has been observed yet, so the
// first read can be bound by idleTimeout and all subsequent reads by
// frameTimeout, per spec §4.A.
type timeoutReader struct {
	conn         net.Conn
	idle         time.Duration
	frame        time.Duration
	sawFirstByte bool
}

func (t *timeoutReader) armFirst() error {
	if t.idle <= 0 {
		return t.conn.SetReadDeadline(time.Time{})
	}
	return t.conn.SetReadDeadline(time.Now().Add(t.idle))
}

func (t *timeoutReader) armRest() error {
	if t.frame <= 0 {
		return t.conn.SetReadDeadline(time.Time{})
	}
	return t.conn.SetReadDeadline(time.Now().Add(t.frame))
}

// classify maps a raw I/O error into IdleTimeout or FrameTimeout depending
// on whether any byte of the frame has been seen yet.
func (t *timeoutReader) classify(err error) error {
	var ne net.Error
	if as(err, &ne) && ne.Timeout() {
		if !t.sawFirstByte {
			return newErr(ErrIdleTimeout, "no bytes within idle timeout")
		}
		return newErr(ErrFrameTimeout, "frame not completed within frame timeout")
	}
	if err == io.EOF {
		return newErr(ErrConnectionClosed, "connection closed")
	}
	return wrapErr(ErrIO, "read", err)
}

func as(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ReadFrame reads one complete frame, buffering the payload in memory.
// idleTimeout bounds the wait for the first byte (zero/negative = wait
// indefinitely); frameTimeout bounds completion of the rest of the frame
// once the first byte has arrived.
func (d *Decoder) ReadFrame(idleTimeout, frameTimeout time.Duration) (Frame, error) {
	tr := &timeoutReader{conn: d.conn, idle: idleTimeout, frame: frameTimeout}

	hdr, err := d.readHeader(tr)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, hdr.PayloadLength)
	if hdr.PayloadLength > 0 {
		if err := tr.armRest(); err != nil {
			return Frame{}, wrapErr(ErrIO, "set deadline", err)
		}
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Frame{}, tr.classify(err)
		}
	}

	if err := tr.armRest(); err != nil {
		return Frame{}, wrapErr(ErrIO, "set deadline", err)
	}
	term, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, tr.classify(err)
	}
	if term != terminator {
		return Frame{}, newErr(ErrMissingTerminator, "expected terminator byte")
	}

	return Frame{Type: hdr.Type, MessageID: hdr.MessageID, Payload: payload}, nil
}

// ReadHeader reads and validates the frame header only, leaving the payload
// and terminator unconsumed for StreamPayload. Used by the zero-copy bulk
// transfer path (spec §4.A, entry point 2).
func (d *Decoder) ReadHeader(idleTimeout, frameTimeout time.Duration) (Header, error) {
	tr := &timeoutReader{conn: d.conn, idle: idleTimeout, frame: frameTimeout}
	return d.readHeader(tr)
}

func (d *Decoder) readHeader(tr *timeoutReader) (Header, error) {
	// Step 1: magic bytes. The idle timeout bounds the wait for the very
	// first byte only.
	if err := tr.armFirst(); err != nil {
		return Header{}, wrapErr(ErrIO, "set deadline", err)
	}
	var magic [3]byte
	for i := range magic {
		b, err := d.r.ReadByte()
		if err != nil {
			return Header{}, tr.classify(err)
		}
		tr.sawFirstByte = true
		if err := tr.armRest(); err != nil {
			return Header{}, wrapErr(ErrIO, "set deadline", err)
		}
		magic[i] = b
	}
	if magic != Magic {
		return Header{}, newErr(ErrInvalidMagic, "bad magic prefix")
	}

	// Step 2-4: type-length, type name, delimiter.
	typeLen, err := d.readDecimal(tr, maxTypeLengthDigits, ErrTypeLengthTooManyDigits, ErrInvalidTypeLength)
	if err != nil {
		return Header{}, err
	}
	if typeLen <= 0 || typeLen > 255 {
		return Header{}, newErr(ErrTypeLengthOutOfRange, "type length out of range")
	}
	typeBytes := make([]byte, typeLen)
	for i := range typeBytes {
		b, err := d.r.ReadByte()
		if err != nil {
			return Header{}, tr.classify(err)
		}
		typeBytes[i] = b
	}
	typeName := string(typeBytes)
	if _, ok := d.types[typeName]; !ok {
		return Header{}, newErr(ErrUnknownMessageType, "unknown message type "+typeName)
	}
	if err := d.readDelimiter(tr); err != nil {
		return Header{}, err
	}

	// Step 5-6: message id, delimiter.
	idBytes := make([]byte, MessageIDLen)
	for i := range idBytes {
		b, err := d.r.ReadByte()
		if err != nil {
			return Header{}, tr.classify(err)
		}
		idBytes[i] = b
	}
	msgID := string(idBytes)
	if !validMessageID(msgID) {
		return Header{}, newErr(ErrInvalidMessageID, "message id must be 12 lowercase hex chars")
	}
	if err := d.readDelimiter(tr); err != nil {
		return Header{}, err
	}

	// Step 7: payload length, enforce per-type cap.
	payloadLen, err := d.readDecimal(tr, maxPayloadLengthDigits, ErrPayloadLengthTooManyDigits, ErrInvalidPayloadLength)
	if err != nil {
		return Header{}, err
	}
	limit := d.types[typeName]
	if max := limit.Max(); max > 0 && payloadLen > max {
		return Header{}, newErr(ErrPayloadLengthExceedsTypeMax, "payload exceeds per-type max")
	}

	return Header{Type: typeName, MessageID: msgID, PayloadLength: payloadLen}, nil
}

func (d *Decoder) readDelimiter(tr *timeoutReader) error {
	b, err := d.r.ReadByte()
	if err != nil {
		return tr.classify(err)
	}
	if b != delimiter {
		return newErr(ErrMissingDelimiter, "expected delimiter")
	}
	return nil
}

// readDecimal reads ASCII decimal digits up to maxDigits, terminated by the
// delimiter byte, and returns the parsed value.
func (d *Decoder) readDecimal(tr *timeoutReader, maxDigits int, tooMany, invalid ErrorKind) (int64, error) {
	var digits []byte
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, tr.classify(err)
		}
		if b == delimiter {
			break
		}
		if b < '0' || b > '9' {
			return 0, newErr(invalid, "non-digit in decimal field")
		}
		digits = append(digits, b)
		if len(digits) > maxDigits {
			return 0, newErr(tooMany, "too many digits")
		}
	}
	if len(digits) == 0 {
		return 0, newErr(invalid, "empty decimal field")
	}
	var v int64
	for _, c := range digits {
		d := int64(c - '0')
		if v > (maxInt64-d)/10 {
			return 0, newErr(invalid, "decimal field overflows int64")
		}
		v = v*10 + d
	}
	return v, nil
}

// maxInt64 bounds readDecimal's accumulator so a maxDigits-length field
// (up to 20 digits, large enough to overflow int64) can't wrap to a
// negative value and slip past the payload-length cap check.
const maxInt64 = 1<<63 - 1

// StreamPayload reads exactly hdr.PayloadLength bytes from the connection
// into dst, in ~64KB chunks, without buffering the full payload. progressTimeout
// bounds the gap between successive chunk reads; each successful read resets
// it. Finally consumes and validates the terminator byte.
func (d *Decoder) StreamPayload(hdr Header, dst io.Writer, progressTimeout time.Duration) error {
	remaining := hdr.PayloadLength
	buf := make([]byte, streamChunkSize)
	for remaining > 0 {
		if progressTimeout > 0 {
			if err := d.conn.SetReadDeadline(time.Now().Add(progressTimeout)); err != nil {
				return wrapErr(ErrIO, "set deadline", err)
			}
		} else {
			_ = d.conn.SetReadDeadline(time.Time{})
		}

		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := d.r.Read(chunk)
		if n > 0 {
			if _, werr := dst.Write(chunk[:n]); werr != nil {
				if errors.Is(werr, ErrStopWriting) {
					return d.drainRemainder(remaining-int64(n), werr)
				}
				return wrapErr(ErrIO, "write to destination", werr)
			}
			remaining -= int64(n)
		}
		if err != nil {
			var ne net.Error
			if as(err, &ne) && ne.Timeout() {
				return newErr(ErrFrameTimeout, "no progress within timeout")
			}
			if err == io.EOF {
				return newErr(ErrConnectionClosed, "connection closed mid-payload")
			}
			return wrapErr(ErrIO, "stream read", err)
		}
		if n == 0 {
			return newErr(ErrConnectionClosed, "zero-byte read mid-payload")
		}
	}

	_ = d.conn.SetReadDeadline(time.Time{})
	term, err := d.r.ReadByte()
	if err != nil {
		return wrapErr(ErrIO, "read terminator", err)
	}
	if term != terminator {
		return newErr(ErrMissingTerminator, "expected terminator byte")
	}
	return nil
}

// drainRemainder discards the n payload bytes a writer never received
// after returning ErrStopWriting, then consumes the frame terminator,
// leaving the connection at a clean frame boundary before returning the
// writer's original sentinel error.
func (d *Decoder) drainRemainder(n int64, sentinel error) error {
	_ = d.conn.SetReadDeadline(time.Time{})
	if n > 0 {
		if _, err := io.CopyN(io.Discard, d.r, n); err != nil {
			return wrapErr(ErrIO, "drain remainder", err)
		}
	}
	term, err := d.r.ReadByte()
	if err != nil {
		return wrapErr(ErrIO, "read terminator", err)
	}
	if term != terminator {
		return newErr(ErrMissingTerminator, "expected terminator byte")
	}
	return sentinel
}
