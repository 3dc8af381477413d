package scheduler

import "github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"

// ChunkCount clamps the configured parallelism to the endpoint count:
// min(maxParallel, len(endpoints)), never below 1.
func ChunkCount(maxParallel, endpoints int) int {
	n := maxParallel
	if n < 1 {
		n = 1
	}
	if endpoints > 0 && n > endpoints {
		n = endpoints
	}
	return n
}

// Partition splits the endpoint set into chunkCount contiguous, near-equal
// groups, preserving the specification's declaration order. The first
// len%chunkCount groups take one extra endpoint. The groups cover the input
// exactly once: no gaps, no overlap.
func Partition(endpoints []scan.Endpoint, chunkCount int) [][]scan.Endpoint {
	if chunkCount < 1 {
		chunkCount = 1
	}
	if chunkCount > len(endpoints) {
		chunkCount = len(endpoints)
	}
	if len(endpoints) == 0 {
		return nil
	}

	base, extra := len(endpoints)/chunkCount, len(endpoints)%chunkCount
	out := make([][]scan.Endpoint, 0, chunkCount)
	pos := 0
	for i := 0; i < chunkCount; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, endpoints[pos:pos+size])
		pos += size
	}
	return out
}
