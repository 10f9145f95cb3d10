package recorder

// ring is a fixed-capacity byte ring holding the most recent PCM. The
// oldest bytes are evicted on sample boundaries so a snapshot never
// starts mid-sample, even when writes arrive in odd-sized chunks.
type ring struct {
	buf   []byte
	start int
	size  int
	align int
	// total is the number of bytes ever written; offsets into the
	// original stream are kept aligned against it.
	total uint64
}

func newRing(capacity, align int) *ring {
	if align < 1 {
		align = 1
	}
	capacity -= capacity % align
	if capacity < align {
		capacity = align
	}
	return &ring{buf: make([]byte, capacity), align: align}
}

func (r *ring) write(p []byte) {
	r.total += uint64(len(p))
	if len(p) >= len(r.buf) {
		tail := p[len(p)-len(r.buf):]
		// Align the tail against the original stream offset.
		off := int((r.total - uint64(len(tail))) % uint64(r.align))
		if off != 0 {
			tail = tail[r.align-off:]
		}
		r.start = 0
		r.size = copy(r.buf, tail)
		return
	}
	end := (r.start + r.size) % len(r.buf)
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.size += len(p)
	if r.size > len(r.buf) {
		drop := r.size - len(r.buf)
		// Evict whole samples only.
		streamStart := r.total - uint64(r.size)
		off := int((streamStart + uint64(drop)) % uint64(r.align))
		if off != 0 {
			drop += r.align - off
		}
		r.start = (r.start + drop) % len(r.buf)
		r.size -= drop
	}
}

// snapshot returns the buffered bytes oldest-first.
func (r *ring) snapshot() []byte {
	out := make([]byte, r.size)
	first := r.start + r.size
	if first > len(r.buf) {
		first = len(r.buf)
	}
	n := copy(out, r.buf[r.start:first])
	copy(out[n:], r.buf[:r.size-n])
	return out
}

func (r *ring) reset() {
	r.start = 0
	r.size = 0
}
