package worker

// Batch is an inclusive block range.
type Batch struct {
	Start uint64
	End   uint64
}

// Len returns the number of blocks in b.
func (b Batch) Len() uint64 {
	return b.End - b.Start + 1
}

// Partition splits [start, end] into contiguous batches of at most size blocks.
// It returns nil when end < start or size is zero.
func Partition(start, end, size uint64) []Batch {
	if end < start || size == 0 {
		return nil
	}
	batches := make([]Batch, 0, (end-start)/size+1)
	for s := start; ; s += size {
		e := s + size - 1
		if e >= end || e < s {
			batches = append(batches, Batch{Start: s, End: end})
			return batches
		}
		batches = append(batches, Batch{Start: s, End: e})
	}
}
