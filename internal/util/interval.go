package util

import "sort"

// Interval is an inclusive integer range [A, B].
type Interval struct {
	A uint64
	B uint64
}

// SplitInterval splits the inclusive interval [a, b] into sub-intervals at the
// given split values. Each split value inside the interval becomes the right
// end of a sub-interval; values outside [a, b] are ignored.
//
// Example: [1, 8] split at (4, 7) -> [1, 4], [5, 7], [8, 8]
func SplitInterval(a, b uint64, values []uint64) []Interval {
	seen := make(map[uint64]struct{}, len(values))
	points := make([]uint64, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		points = append(points, v)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	c := a
	var intervals []Interval
	for _, p := range points {
		if p < a {
			continue
		}
		if p > b {
			break
		}
		if p < b {
			intervals = append(intervals, Interval{A: c, B: p})
			c = p + 1
		}
	}

	if c <= b {
		intervals = append(intervals, Interval{A: c, B: b})
	}

	return intervals
}

// Intervaled partitions the inclusive range [start, stop] into successive
// intervals of at most size elements.
func Intervaled(start, stop, size uint64) []Interval {
	if size == 0 {
		return []Interval{{A: start, B: stop}}
	}

	var intervals []Interval
	for it := start; it <= stop; it += size {
		end := it + size - 1
		if end > stop {
			end = stop
		}
		intervals = append(intervals, Interval{A: it, B: end})
		if end == stop {
			break
		}
	}
	return intervals
}

// Bundled groups consecutive elements that share the same key. The input must
// already be sorted on the same key.
//
// Example: [1, 1, 2, 3, 3] -> [[1, 1], [2], [3, 3]]
func Bundled[T any, K comparable](items []T, key func(T) K) [][]T {
	var groups [][]T
	for i := 0; i < len(items); {
		j := i + 1
		for j < len(items) && key(items[j]) == key(items[i]) {
			j++
		}
		groups = append(groups, items[i:j])
		i = j
	}
	return groups
}

// Batched yields successive evenly sized chunks from a slice. The final chunk
// may be shorter.
func Batched[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 8
	}
	var chunks [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
