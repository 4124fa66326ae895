package engine

// chunkIterator partitions a target set of `total` items into fixed-size
// chunks, resuming strictly from `processed`. Positions below the resume
// point are never revisited.
type chunkIterator struct {
	total     uint64
	chunkSize uint64
	processed uint64
}

func newChunkIterator(total uint64, chunkSize uint32, processed uint64) chunkIterator {
	size := uint64(chunkSize)
	if size == 0 {
		size = 1
	}
	return chunkIterator{total: total, chunkSize: size, processed: processed}
}

// hasNext reports whether any positions remain.
func (it chunkIterator) hasNext() bool {
	return it.processed < it.total
}

// next returns the half-open position bounds of the next chunk.
func (it chunkIterator) next() (start, end uint64) {
	start = it.processed
	end = start + it.chunkSize
	if end > it.total {
		end = it.total
	}
	return start, end
}

// seq is the 1-based sequence number of the next chunk. Dense because
// every committed chunk except the last is exactly chunkSize items.
func (it chunkIterator) seq() uint32 {
	return uint32(it.processed/it.chunkSize) + 1
}

// remaining counts positions not yet processed.
func (it chunkIterator) remaining() uint64 {
	if it.processed >= it.total {
		return 0
	}
	return it.total - it.processed
}
