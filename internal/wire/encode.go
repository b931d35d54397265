package wire

import (
	"bufio"
	"fmt"
	"io"
	"net"
)

// Encoder writes frames to a connection, symmetric with Decoder (spec §4.A
// "Contract (encode)").
type Encoder struct {
	conn net.Conn
	w    *bufio.Writer
}

// NewEncoder wraps conn for frame encoding.
func NewEncoder(conn net.Conn) *Encoder {
	return &Encoder{conn: conn, w: bufio.NewWriter(conn)}
}

// WriteFrame emits a complete frame with an in-memory payload.
func (e *Encoder) WriteFrame(typeName, messageID string, payload []byte) error {
	if err := e.writeHeader(typeName, messageID, int64(len(payload))); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := e.w.Write(payload); err != nil {
			return wrapErr(ErrIO, "write payload", err)
		}
	}
	if err := e.w.WriteByte(terminator); err != nil {
		return wrapErr(ErrIO, "write terminator", err)
	}
	return e.w.Flush()
}

// WriteStream emits a frame header declaring payloadLen, then copies exactly
// payloadLen bytes from src (the zero-copy emit path for bulk payloads, spec
// §4.A). An early EOF from src before payloadLen bytes are copied is an error.
func (e *Encoder) WriteStream(typeName, messageID string, payloadLen int64, src io.Reader) error {
	if err := e.writeHeader(typeName, messageID, payloadLen); err != nil {
		return err
	}
	n, err := io.CopyN(e.w, src, payloadLen)
	if err != nil {
		return wrapErr(ErrIO, fmt.Sprintf("stream payload: wrote %d of %d bytes", n, payloadLen), err)
	}
	if err := e.w.WriteByte(terminator); err != nil {
		return wrapErr(ErrIO, "write terminator", err)
	}
	return e.w.Flush()
}

func (e *Encoder) writeHeader(typeName, messageID string, payloadLen int64) error {
	if !validMessageID(messageID) {
		return newErr(ErrInvalidMessageID, "message id must be 12 lowercase hex chars")
	}
	if _, err := e.w.Write(Magic[:]); err != nil {
		return wrapErr(ErrIO, "write magic", err)
	}
	if _, err := fmt.Fprintf(e.w, "%d\n", len(typeName)); err != nil {
		return wrapErr(ErrIO, "write type length", err)
	}
	if _, err := io.WriteString(e.w, typeName); err != nil {
		return wrapErr(ErrIO, "write type name", err)
	}
	if err := e.w.WriteByte(delimiter); err != nil {
		return wrapErr(ErrIO, "write delimiter", err)
	}
	if _, err := io.WriteString(e.w, messageID); err != nil {
		return wrapErr(ErrIO, "write message id", err)
	}
	if err := e.w.WriteByte(delimiter); err != nil {
		return wrapErr(ErrIO, "write delimiter", err)
	}
	if _, err := fmt.Fprintf(e.w, "%d\n", payloadLen); err != nil {
		return wrapErr(ErrIO, "write payload length", err)
	}
	return nil
}
