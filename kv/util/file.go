package util

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/pingcap/errors"
)

func FileExists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

// CalcCRC32 calculates the given file's CRC32 checksum. The startup
// handshake uses it to guard shipped checkpoint data.
func CalcCRC32(path string) (uint32, error) {
	digest := crc32.NewIEEE()
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()
	_, err = io.Copy(digest, f)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return digest.Sum32(), nil
}
