package playback

import "container/heap"

// mixer renders scheduled units into one contiguous sample stream. Units that
// overlap are summed and clamped. It is not safe for concurrent use.
type mixer struct {
	pending  unitHeap
	playing  []*unit
	draining []*unit
	rendered int64
	seq      uint64
}

// schedule queues samples at the given sample position. A unit positioned in
// the already rendered past starts at the render horizon instead, so it is
// delayed rather than truncated.
func (m *mixer) schedule(start int64, samples []float32, ended func()) {
	if start < m.rendered {
		start = m.rendered
	}
	m.seq++
	heap.Push(&m.pending, &unit{start: start, samples: samples, ended: ended, seq: m.seq})
}

// render produces the samples in [rendered, to) and advances the horizon.
func (m *mixer) render(to int64) []float32 {
	n := to - m.rendered
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)

	for m.pending.Len() > 0 && m.pending[0].start < to {
		m.playing = append(m.playing, heap.Pop(&m.pending).(*unit))
	}

	keep := m.playing[:0]
	for _, u := range m.playing {
		from := max(u.start, m.rendered)
		till := min(u.end(), to)
		for i := from; i < till; i++ {
			out[i-m.rendered] += u.samples[i-u.start]
		}
		if u.end() <= to {
			m.draining = append(m.draining, u)
		} else {
			keep = append(keep, u)
		}
	}
	for i := len(keep); i < len(m.playing); i++ {
		m.playing[i] = nil
	}
	m.playing = keep

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
	m.rendered = to
	return out
}

// finished removes and returns the ended callbacks of every rendered unit
// whose last sample lies before now.
func (m *mixer) finished(now int64) []func() {
	var done []func()
	keep := m.draining[:0]
	for _, u := range m.draining {
		if u.end() <= now {
			if u.ended != nil {
				done = append(done, u.ended)
			}
			continue
		}
		keep = append(keep, u)
	}
	for i := len(keep); i < len(m.draining); i++ {
		m.draining[i] = nil
	}
	m.draining = keep
	return done
}

// idle reports whether nothing is queued, playing or draining.
func (m *mixer) idle() bool {
	return m.pending.Len() == 0 && len(m.playing) == 0 && len(m.draining) == 0
}
