package metrics

// WindowSlots is the length of the rolling windows in seconds.
const WindowSlots = 60

// window is a circular per-second counter covering the last WindowSlots
// seconds. Every access must be preceded by rotate so seconds that passed
// without activity read as zero.
type window struct {
	slots [WindowSlots]int
	last  int64
}

func newWindow(sec int64) *window {
	return &window{last: sec}
}

func slot(sec int64) int {
	i := sec % WindowSlots
	if i < 0 {
		i += WindowSlots
	}
	return int(i)
}

// rotate zeroes the slots between the last rotated second and sec.
func (w *window) rotate(sec int64) {
	gap := sec - w.last
	if gap <= 0 {
		return
	}
	if gap > WindowSlots {
		gap = WindowSlots
	}
	for i := int64(1); i <= gap; i++ {
		w.slots[slot(w.last+i)] = 0
	}
	w.last = sec
}

func (w *window) set(sec int64, v int) {
	w.rotate(sec)
	w.slots[slot(sec)] = v
}

func (w *window) add(sec int64, d int) {
	w.rotate(sec)
	w.slots[slot(sec)] += d
}

func (w *window) sum() int {
	n := 0
	for _, v := range w.slots {
		n += v
	}
	return n
}

func (w *window) max() int {
	m := 0
	for _, v := range w.slots {
		if v > m {
			m = v
		}
	}
	return m
}

// series returns the window oldest first, ending at the last rotated second.
func (w *window) series() []int {
	out := make([]int, WindowSlots)
	for i := range out {
		out[i] = w.slots[slot(w.last+1+int64(i))]
	}
	return out
}
