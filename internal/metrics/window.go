package metrics

// window is a fixed-capacity FIFO of float64 samples. Appending past
// capacity evicts the oldest sample. Iteration order is oldest first.
type window struct {
	cap  int
	vals []float64
}

func newWindow(capacity int) *window {
	if capacity < 1 {
		capacity = 1
	}
	return &window{cap: capacity, vals: make([]float64, 0, capacity)}
}

func (w *window) push(v float64) {
	if len(w.vals) == w.cap {
		copy(w.vals, w.vals[1:])
		w.vals = w.vals[:len(w.vals)-1]
	}
	w.vals = append(w.vals, v)
}

func (w *window) len() int {
	return len(w.vals)
}

func (w *window) last() (float64, bool) {
	if len(w.vals) == 0 {
		return 0, false
	}
	return w.vals[len(w.vals)-1], true
}

func (w *window) sum() float64 {
	total := 0.0
	for _, v := range w.vals {
		total += v
	}
	return total
}

func (w *window) mean() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	return w.sum() / float64(len(w.vals))
}

func (w *window) clear() {
	w.vals = w.vals[:0]
}
