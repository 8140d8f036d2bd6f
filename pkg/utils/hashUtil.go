package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
)

// HashString returns the hex sha256 of data.
func HashString(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HashFileSet hashes the given files of fsys in the order supplied.
// Each file contributes len(path) | path | size | content, lengths as
// 8-byte big-endian, so no two distinct sets can share a byte stream.
// Callers are responsible for sorting paths.
func HashFileSet(fsys fs.FS, paths []string) (string, error) {
	h := sha256.New()
	var prefix [8]byte

	for _, p := range paths {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(p)))
		h.Write(prefix[:])
		h.Write([]byte(p))

		f, err := fsys.Open(p)
		if err != nil {
			return "", err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return "", err
		}
		size := info.Size()
		binary.BigEndian.PutUint64(prefix[:], uint64(size))
		h.Write(prefix[:])

		n, err := io.Copy(h, io.LimitReader(f, size))
		f.Close()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", p, err)
		}
		if n != size {
			return "", fmt.Errorf("read %s: file changed while hashing (%d of %d bytes)", p, n, size)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
