package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the read granularity used while digesting.
const DefaultChunkSize = 8192

// Error represents a content hash mismatch on a file or device.
type Error struct {
	Name     string // Logical name of the payload that failed verification
	Expected string // Hex digest the content was supposed to have
	Actual   string // Hex digest the content actually had
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s digest mismatch: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

// Verifier computes SHA-256 content digests over files and raw devices.
type Verifier struct {
	chunkSize int
}

func NewVerifier(chunkSize int) Verifier {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return Verifier{chunkSize: chunkSize}
}

// DigestFile streams the file at path through SHA-256 and returns the hex
// digest. When limit > 0 only the leading limit bytes are consumed, which is
// how a raw partition is compared against a known-length reference image.
// A source that cannot be opened yields the empty string; callers treat
// "can't read" as "doesn't match".
func (v Verifier) DigestFile(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}

	defer f.Close()

	return v.digest(f, limit)
}

func (v Verifier) digest(r io.Reader, limit int64) string {
	h := sha256.New()
	buf := make([]byte, v.chunkSize)

	remaining := limit
	for {
		readSize := int64(len(buf))
		if limit > 0 && remaining < readSize {
			readSize = remaining
		}

		n, err := r.Read(buf[:readSize])
		if n > 0 {
			h.Write(buf[:n])

			if limit > 0 {
				remaining -= int64(n)
				if remaining == 0 {
					break
				}
			}
		}

		if err != nil {
			break
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
