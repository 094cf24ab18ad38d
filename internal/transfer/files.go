package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// SafeFilename maps a target id to a name safe for the local filesystem.
func SafeFilename(name string) string {
	const unsafe = `<>:"/\|?*`

	mapped := strings.Map(func(r rune) rune {
		if strings.ContainsRune(unsafe, r) {
			return '_'
		}

		return r
	}, name)

	mapped = strings.Trim(mapped, ". ")
	if mapped == "" {
		return "unnamed_file"
	}

	return mapped
}

// FileMD5 computes the MD5 digest of a file on disk. GEO publishes MD5
// sums for supplementary archives, so MD5 is the checksum of record here
// even though it is no integrity guarantee against an adversary.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
