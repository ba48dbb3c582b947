package internal

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
)

// MD5Sum computes the MD5 digest of r and returns it base64 encoded (the
// Content-MD5 form) and hex encoded (the single-part ETag form).
func MD5Sum(r io.Reader) (string, string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", "", err
	}
	sum := h.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum), hex.EncodeToString(sum), nil
}

// MD5SumAt computes checksums for the first size bytes of ra without moving
// any shared offset.
func MD5SumAt(ra io.ReaderAt, size int64) (string, string, error) {
	return MD5Sum(io.NewSectionReader(ra, 0, size))
}
