package store

import "io"

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    ProgressFunc
}

// TrackReader reports every read of r to fn. A nil fn returns r unchanged.
func TrackReader(r io.Reader, total int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}
