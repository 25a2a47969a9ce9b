package playback

// unit is one scheduled block of samples on a device, positioned in samples
// from the moment the device was opened.
type unit struct {
	start   int64
	samples []float32
	ended   func()
	seq     uint64 // insertion order, breaks ties between equal starts
}

func (u *unit) end() int64 { return u.start + int64(len(u.samples)) }

// unitHeap implements container/heap.Interface as a min-heap on start time.
type unitHeap []*unit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *unitHeap) Push(x any) {
	*h = append(*h, x.(*unit))
}

func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return u
}
