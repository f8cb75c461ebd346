package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"io"
	"os"
)

// Digests of a received file, taken before it leaves for the archive so
// the stored object can be verified against what landed on disk.

type Info struct {
	Size   int64
	SHA256 string
	CRC32C uint32
}

func File(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	h := sha256.New()
	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))

	// one read pass feeds both digests
	n, err := io.Copy(io.MultiWriter(h, crc), f)
	if err != nil {
		return Info{}, err
	}

	return Info{
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		CRC32C: crc.Sum32(),
	}, nil
}
