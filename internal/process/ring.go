package process

// ring retains the last `limit` bytes written and counts everything ever
// written, so readers can address output by absolute offset.
type ring struct {
	buf   []byte
	limit int
	total int64
}

func newRing(limit int) *ring {
	return &ring{limit: limit}
}

func (r *ring) write(p []byte) {
	r.total += int64(len(p))
	if len(p) >= r.limit {
		r.buf = append(r.buf[:0], p[len(p)-r.limit:]...)
		return
	}
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.limit; over > 0 {
		n := copy(r.buf, r.buf[over:])
		r.buf = r.buf[:n]
	}
}

// start is the absolute offset of the oldest retained byte.
func (r *ring) start() int64 { return r.total - int64(len(r.buf)) }

// from copies retained bytes at or after absolute offset pos.
func (r *ring) from(pos int64) []byte {
	s := r.start()
	if pos < s {
		pos = s
	}
	if pos >= r.total {
		return nil
	}
	return append([]byte(nil), r.buf[pos-s:]...)
}

func (r *ring) bytes() []byte { return append([]byte(nil), r.buf...) }
