package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// ClientReport is what the client sends back after receiving FileStart:
// the size and (optionally) hash of the bytes it already has for this
// file. HasHash distinguishes "hash omitted" from an all-zero digest.
type ClientReport struct {
	Size    int64
	Hash    string
	HasHash bool
}

// ResumeOffset implements the exact seven-row table from spec §4.D
// ("Resume offset computation"). serverSize and serverHash describe the
// server's own copy of the file; report is what the client sent back.
// hashPrefix is called only when needed, to re-hash just the first
// report.Size bytes of the server file — the server never trusts the
// client's reported hash beyond an equality check against its own
// recomputation.
func ResumeOffset(serverSize int64, serverHash string, report ClientReport, hashPrefix func(n int64) (string, error)) (int64, error) {
	switch {
	case report.Size == 0:
		return 0, nil
	case report.Size > serverSize:
		return 0, nil
	case !report.HasHash:
		return 0, nil
	case report.Size == serverSize:
		if report.Hash == serverHash {
			return serverSize, nil // already complete; skip streaming
		}
		return 0, nil
	default: // report.Size < serverSize
		prefixHash, err := hashPrefix(report.Size)
		if err != nil {
			return 0, err
		}
		if report.Hash == prefixHash {
			return report.Size, nil
		}
		return 0, nil
	}
}

// HashFile computes the SHA-256 of the whole file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f, -1)
}

// HashFilePrefix computes the SHA-256 of the first n bytes of the file at
// path, used by ResumeOffset's hashPrefix callback.
func HashFilePrefix(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f, n)
}

func hashReader(r io.Reader, n int64) (string, error) {
	h := sha256.New()
	if n >= 0 {
		if _, err := io.CopyN(h, r, n); err != nil && err != io.EOF {
			return "", err
		}
	} else {
		if _, err := io.Copy(h, r); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
