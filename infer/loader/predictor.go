// infer/loader/predictor.go
//
// Access-pattern prediction over a rolling window of layer accesses. The
// window feeds two consumers: the bigram prefetch predictor and the
// access-pattern eviction policy's next-use distance estimate.

package loader

import "sort"

// windowSize is the length of the access history ring.
const windowSize = 64

// UsagePattern classifies the recent access sequence.
type UsagePattern string

const (
	PatternUnknown    UsagePattern = "unknown"
	PatternSequential UsagePattern = "sequential"
	PatternRepeated   UsagePattern = "repeated"
	PatternRandom     UsagePattern = "random"
)

// accessWindow is a fixed-size ring of recent layer ids in access order.
type accessWindow struct {
	buf   [windowSize]int
	pos   int
	count int
}

func (w *accessWindow) record(id int) {
	w.buf[w.pos] = id
	w.pos = (w.pos + 1) % windowSize
	if w.count < windowSize {
		w.count++
	}
}

func (w *accessWindow) reset() {
	w.pos = 0
	w.count = 0
}

// last returns the most recently recorded id, or -1 when empty.
func (w *accessWindow) last() int {
	if w.count == 0 {
		return -1
	}
	return w.buf[(w.pos-1+windowSize)%windowSize]
}

// ordered returns the window contents oldest first.
func (w *accessWindow) ordered() []int {
	out := make([]int, 0, w.count)
	start := (w.pos - w.count + windowSize) % windowSize
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%windowSize])
	}
	return out
}

// transitions returns the bigram histogram row for from: how often each id
// immediately followed it inside the window, and the row total.
func (w *accessWindow) transitions(from int) (map[int]int, int) {
	seq := w.ordered()
	row := make(map[int]int)
	total := 0
	for i := 0; i+1 < len(seq); i++ {
		if seq[i] == from {
			row[seq[i+1]]++
			total++
		}
	}
	return row, total
}

// predict returns the ids whose empirical probability of following from is
// at least threshold, highest probability first, ties on lower id, capped at
// max (0 = uncapped).
func (w *accessWindow) predict(from int, threshold float64, max int) []int {
	row, total := w.transitions(from)
	if total == 0 {
		return nil
	}
	type cand struct {
		id int
		p  float64
	}
	cands := make([]cand, 0, len(row))
	for id, n := range row {
		p := float64(n) / float64(total)
		if p >= threshold {
			cands = append(cands, cand{id: id, p: p})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].p != cands[j].p {
			return cands[i].p > cands[j].p
		}
		return cands[i].id < cands[j].id
	})
	if max > 0 && len(cands) > max {
		cands = cands[:max]
	}
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// distance estimates the next-use distance of id from the most recent
// access: the inverse of its transition probability out of the last accessed
// layer. Layers the histogram never saw follow are unreachable and sort
// last (+Inf-like large value).
func (w *accessWindow) distance(id int) float64 {
	const unreachable = 1e18
	last := w.last()
	if last < 0 {
		return unreachable
	}
	row, total := w.transitions(last)
	n := row[id]
	if n == 0 {
		return unreachable
	}
	return float64(total) / float64(n)
}

// pattern classifies the window: mostly ascending-by-one steps is
// sequential, frequent revisits is repeated, otherwise random. Thresholds
// follow the runtime's 0.6/0.4 split; fewer than 10 recorded accesses is
// unknown.
func (w *accessWindow) pattern() UsagePattern {
	if w.count < 10 {
		return PatternUnknown
	}
	seq := w.ordered()
	sequential := 0
	repeats := 0
	seen := make(map[int]bool, len(seq))
	for i, id := range seq {
		if i > 0 && id == seq[i-1]+1 {
			sequential++
		}
		if seen[id] {
			repeats++
		}
		seen[id] = true
	}
	n := len(seq)
	if float64(sequential)/float64(n) > 0.6 {
		return PatternSequential
	}
	if float64(repeats)/float64(n) > 0.4 {
		return PatternRepeated
	}
	return PatternRandom
}
