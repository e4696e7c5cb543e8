// Package batch splits ordered record collections into write-sized chunks and
// contiguous per-worker slices.
package batch

// MaxCallSize is the largest number of records a single write call accepts.
const MaxCallSize = 200

// Size clamps a requested chunk size into [1, MaxCallSize]. Zero or negative
// sizes select MaxCallSize.
func Size(requested int) int {
	if requested <= 0 || requested > MaxCallSize {
		return MaxCallSize
	}
	return requested
}

// Chunk splits items into consecutive chunks of at most size elements. The
// chunks share the backing array of items.
func Chunk[T any](items []T, size int) [][]T {
	size = Size(size)
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Slice is a contiguous range of the input assigned to one worker.
type Slice[T any] struct {
	Seq   int // worker sequence number
	Start int // offset of Items[0] in the input
	Items []T
}

// Partition splits items into workers contiguous slices of len(items)/workers
// elements; the last slice absorbs the remainder. When there are fewer items
// than workers a single slice is returned.
func Partition[T any](items []T, workers int) []Slice[T] {
	if len(items) == 0 {
		return nil
	}
	if workers <= 1 || len(items) < workers {
		return []Slice[T]{{Seq: 0, Start: 0, Items: items}}
	}
	per := len(items) / workers
	slices := make([]Slice[T], 0, workers)
	for w := 0; w < workers; w++ {
		start := w * per
		end := start + per
		if w == workers-1 {
			end = len(items)
		}
		slices = append(slices, Slice[T]{Seq: w, Start: start, Items: items[start:end:end]})
	}
	return slices
}
