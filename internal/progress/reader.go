package progress

import "io"

// CountingReader wraps an io.Reader and reports the running byte total after
// every Read. The callback runs on the transfer goroutine, so callers gate
// and defer expensive work themselves (see Throttler).
type CountingReader struct {
	r       io.Reader
	total   int64
	onBytes func(total int64)
}

func NewCountingReader(r io.Reader, onBytes func(total int64)) *CountingReader {
	return &CountingReader{r: r, onBytes: onBytes}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.onBytes != nil {
			c.onBytes(c.total)
		}
	}
	return n, err
}

func (c *CountingReader) Total() int64 { return c.total }
