package simplestreams

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// ErrChecksum reports downloaded content that does not match its catalog
// entry.
var ErrChecksum = errors.New("content does not match catalog checksum")

type checksumReader struct {
	r        io.Reader
	h        hash.Hash
	n        int64
	wantSum  string
	wantSize int64
}

// VerifyReader wraps r so that reaching EOF fails with ErrChecksum when the
// bytes read do not match the entry's sha256 or size. Empty expectations
// are not checked.
func VerifyReader(r io.Reader, e Entry) io.Reader {
	return &checksumReader{r: r, h: sha256.New(), wantSum: e.SHA256, wantSize: e.Size}
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.n += int64(n)
	}
	if errors.Is(err, io.EOF) {
		if c.wantSize > 0 && c.n != c.wantSize {
			return n, fmt.Errorf("%w: read %d bytes, expected %d", ErrChecksum, c.n, c.wantSize)
		}
		if c.wantSum != "" {
			if got := hex.EncodeToString(c.h.Sum(nil)); got != c.wantSum {
				return n, fmt.Errorf("%w: sha256 %s, expected %s", ErrChecksum, got, c.wantSum)
			}
		}
	}
	return n, err
}
