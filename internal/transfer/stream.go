package transfer

import (
	"io"
	"time"

	"nexus/internal/wire"
)

// ChunkSize is the streaming unit for both directions (spec §4.D: "Chunk
// size is 64 KB — balances syscall cost with ban-reaction latency").
const ChunkSize = 64 * 1024

// bannedError is the type of ErrBanned, which the streaming helpers
// return when the one-shot ban signal fires mid-transfer.
type bannedError struct{}

func (bannedError) Error() string { return "transfer: banned mid-transfer" }

// ErrBanned is the sentinel the streaming loop returns when
// ActiveTransfer.Banned() fires.
var ErrBanned error = bannedError{}

// StreamOut copies exactly n bytes from src to dst in ChunkSize pieces,
// checking t.Banned() before streaming starts and between every chunk
// (spec "Mid-transfer ban enforcement": checked before streaming, and
// between each chunk read/write). t.AddBytes is called after each
// successful chunk.
func StreamOut(t *ActiveTransfer, dst io.Writer, src io.Reader, n int64) error {
	if t.Banned() {
		return ErrBanned
	}
	buf := make([]byte, ChunkSize)
	remaining := n
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		read, err := io.ReadFull(src, chunk)
		if err != nil {
			return err
		}
		if _, err := dst.Write(chunk[:read]); err != nil {
			return err
		}
		t.AddBytes(int64(read))
		remaining -= int64(read)

		if t.Banned() {
			return ErrBanned
		}
	}
	return nil
}

// StreamFileToWire streams a file's contents to enc as the payload of a
// file_data frame using the frame codec's zero-copy emit path, honoring
// mid-transfer ban checks at the chunk boundary via a banCheckingReader
// wrapper rather than inside the codec itself (the codec has no notion
// of transfers or bans).
func StreamFileToWire(t *ActiveTransfer, enc *wire.Encoder, messageID string, src io.Reader, size int64) error {
	if t.Banned() {
		return ErrBanned
	}
	return enc.WriteStream("file_data", messageID, size, &banCheckingReader{t: t, r: src})
}

// banCheckingReader wraps a reader so that each Read, which the frame
// codec performs at most ChunkSize bytes at a time via io.CopyN's
// internal buffer, is preceded by a ban check and followed by a
// bytes-transferred update.
type banCheckingReader struct {
	t *ActiveTransfer
	r io.Reader
}

func (b *banCheckingReader) Read(p []byte) (int, error) {
	if b.t.Banned() {
		return 0, ErrBanned
	}
	n, err := b.r.Read(p)
	if n > 0 {
		b.t.AddBytes(int64(n))
	}
	return n, err
}

// StreamFileFromWire is the receiving half of StreamFileToWire, used by
// the upload path: it reads hdr's payload off dec in chunks and writes it
// to dst, applying the same ban-check-before-every-write discipline via
// banCheckingWriter.
func StreamFileFromWire(t *ActiveTransfer, dec *wire.Decoder, hdr wire.Header, dst io.Writer, progressTimeout time.Duration) error {
	if t.Banned() {
		return ErrBanned
	}
	return dec.StreamPayload(hdr, &banCheckingWriter{t: t, w: dst}, progressTimeout)
}

// banCheckingWriter is StreamFileFromWire's write-side counterpart to
// banCheckingReader.
type banCheckingWriter struct {
	t *ActiveTransfer
	w io.Writer
}

func (b *banCheckingWriter) Write(p []byte) (int, error) {
	if b.t.Banned() {
		return 0, bannedStopWriting{}
	}
	n, err := b.w.Write(p)
	if n > 0 {
		b.t.AddBytes(int64(n))
	}
	return n, err
}

// bannedStopWriting is banCheckingWriter's ban-detected error. It answers
// errors.Is for both ErrBanned (so HandleConn can tell a ban occurred) and
// wire.ErrStopWriting (so Decoder.StreamPayload drains the remaining
// payload bytes instead of treating the write failure as a hard I/O
// error), without wire needing to import this package.
type bannedStopWriting struct{}

func (bannedStopWriting) Error() string { return ErrBanned.Error() }

func (bannedStopWriting) Is(target error) bool {
	return target == ErrBanned || target == wire.ErrStopWriting
}
