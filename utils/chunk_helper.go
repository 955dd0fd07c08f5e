package utils

// ChunkHelper helps chunk/offset related calculation for ranged reads
type ChunkHelper struct {
	chunkSize int
}

// NewChunkHelper creates a ChunkHelper, chunkSize must be > 0
func NewChunkHelper(chunkSize int) *ChunkHelper {
	if chunkSize <= 0 {
		chunkSize = 1
	}

	return &ChunkHelper{
		chunkSize: chunkSize,
	}
}

// GetChunkSize returns chunk size
func (helper *ChunkHelper) GetChunkSize() int {
	return helper.chunkSize
}

// GetChunkIDForOffset returns chunk index
func (helper *ChunkHelper) GetChunkIDForOffset(offset int64) int64 {
	return offset / int64(helper.chunkSize)
}

// GetChunkStartOffset returns chunk start offset
func (helper *ChunkHelper) GetChunkStartOffset(chunkID int64) int64 {
	return chunkID * int64(helper.chunkSize)
}

// GetChunkCount returns the number of chunks covering size bytes
func (helper *ChunkHelper) GetChunkCount(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return helper.GetChunkIDForOffset(size-1) + 1
}

// GetChunkLength returns the length of the given chunk for a payload of size bytes
func (helper *ChunkHelper) GetChunkLength(chunkID int64, size int64) int {
	start := helper.GetChunkStartOffset(chunkID)
	if start >= size || chunkID < 0 {
		return 0
	}

	end := min(start+int64(helper.chunkSize), size)
	return int(end - start)
}
