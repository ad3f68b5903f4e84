package modem

// packet is one fixed-capacity receive buffer with a read cursor.
type packet struct {
	data []byte
	n    int
	off  int
}

// ring is a fixed ring of receive packets. The producer writes at head, the
// consumer reads at tail, and one packet always stays empty so that
// head == tail means empty and (head+1)%len == tail means full.
//
// ring is not safe for concurrent use; Socket.mu guards it.
type ring struct {
	packets    []packet
	head, tail int
}

func newRing(packets, size int) ring {
	r := ring{packets: make([]packet, packets)}
	for i := range r.packets {
		r.packets[i].data = make([]byte, size)
	}
	return r
}

func (r *ring) empty() bool {
	return r.head == r.tail
}

func (r *ring) full() bool {
	return (r.head+1)%len(r.packets) == r.tail
}

// put stores p starting at a fresh packet, spilling into as many consecutive
// packets as needed. It returns the number of bytes that did not fit.
func (r *ring) put(p []byte) (dropped int) {
	for len(p) > 0 {
		if r.full() {
			return len(p)
		}
		pk := &r.packets[r.head]
		pk.n = copy(pk.data, p)
		pk.off = 0
		p = p[pk.n:]
		r.head = (r.head + 1) % len(r.packets)
	}
	return 0
}

// get copies buffered bytes into p across packet boundaries.
func (r *ring) get(p []byte) int {
	total := 0
	for total < len(p) && !r.empty() {
		pk := &r.packets[r.tail]
		n := copy(p[total:], pk.data[pk.off:pk.n])
		pk.off += n
		total += n
		if pk.off == pk.n {
			pk.n, pk.off = 0, 0
			r.tail = (r.tail + 1) % len(r.packets)
		}
	}
	return total
}

// buffered returns the number of unread bytes.
func (r *ring) buffered() int {
	total := 0
	for i := r.tail; i != r.head; i = (i + 1) % len(r.packets) {
		total += r.packets[i].n - r.packets[i].off
	}
	return total
}

func (r *ring) reset() {
	for i := range r.packets {
		r.packets[i].n, r.packets[i].off = 0, 0
	}
	r.head, r.tail = 0, 0
}
