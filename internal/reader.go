package internal

import (
	"io"
)

// ProgressReader streams a byte range of an io.ReaderAt and counts the bytes
// handed to the consumer. The underlying handle is never copied or seeked,
// so several readers may share one handle.
type ProgressReader struct {
	ra     io.ReaderAt
	base   int64
	off    int64
	limit  int64
	count  *Counter
	onRead func(sent, total int64)
}

// NewProgressReader returns a reader over ra[0:size]. onRead, if not nil, is
// called after every read with the running total.
func NewProgressReader(ra io.ReaderAt, size int64, onRead func(sent, total int64)) *ProgressReader {
	return &ProgressReader{
		ra:     ra,
		limit:  size,
		count:  new(Counter),
		onRead: onRead,
	}
}

func (r *ProgressReader) read(p []byte) (int, error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if max := r.limit - r.off; int64(len(p)) > max {
		p = p[0:max]
	}
	n, err := r.ra.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && r.off < r.limit {
		err = io.ErrUnexpectedEOF
	} else if err == io.EOF {
		err = nil
	}
	return n, err
}

func (r *ProgressReader) Read(p []byte) (int, error) {
	n, err := r.read(p)
	if n > 0 {
		sent := r.count.Increment(int64(n))
		if r.onRead != nil {
			r.onRead(sent, r.Size())
		}
	}
	return n, err
}

// Rewound returns a fresh, independent reader over the same range that
// shares the byte counter. It backs http.Request.GetBody.
func (r *ProgressReader) Rewound() *ProgressReader {
	r.count.Decrement(r.off - r.base)
	return &ProgressReader{
		ra:     r.ra,
		base:   r.base,
		off:    r.base,
		limit:  r.limit,
		count:  r.count,
		onRead: r.onRead,
	}
}

func (r *ProgressReader) Sent() int64 {
	return r.count.Get()
}

func (r *ProgressReader) Size() int64 {
	return r.limit - r.base
}
