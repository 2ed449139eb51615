package collect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// hashExecutable computes the SHA-256 of the file at path. Files larger than
// maxBytes are refused so one giant image cannot stall a poll cycle; the
// context is checked between chunks for the same reason.
func hashExecutable(ctx context.Context, path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if maxBytes > 0 {
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		if info.Size() > maxBytes {
			return "", fmt.Errorf("file too large to hash: %d bytes", info.Size())
		}
	}

	h := sha256.New()
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
