package worker

import "github.com/adrabkin/iopulse/pkg/workload"

// fillPattern writes the deterministic verification payload for a block
// at the given offset. The pattern depends only on (pattern, offset,
// seed), never on the worker, so any worker (or a later phase) can
// verify blocks any other worker wrote.
func fillPattern(buf []byte, offset int64, pattern workload.VerifyPattern, seed int64) {
	switch pattern {
	case workload.VerifyZeros, "":
		for i := range buf {
			buf[i] = 0
		}
	case workload.VerifyOnes:
		for i := range buf {
			buf[i] = 0xFF
		}
	case workload.VerifySequential:
		for i := range buf {
			buf[i] = byte(uint64(offset) + uint64(i))
		}
	case workload.VerifyRandom:
		x := patternState(offset, seed)
		for i := range buf {
			x = xorshiftMul(x)
			buf[i] = byte(x >> 56)
		}
	}
}

// checkPattern reports whether buf holds the expected payload for the
// given offset.
func checkPattern(buf []byte, offset int64, pattern workload.VerifyPattern, seed int64) bool {
	switch pattern {
	case workload.VerifyZeros, "":
		for i := range buf {
			if buf[i] != 0 {
				return false
			}
		}
	case workload.VerifyOnes:
		for i := range buf {
			if buf[i] != 0xFF {
				return false
			}
		}
	case workload.VerifySequential:
		for i := range buf {
			if buf[i] != byte(uint64(offset)+uint64(i)) {
				return false
			}
		}
	case workload.VerifyRandom:
		x := patternState(offset, seed)
		for i := range buf {
			x = xorshiftMul(x)
			if buf[i] != byte(x>>56) {
				return false
			}
		}
	}
	return true
}

func patternState(offset, seed int64) uint64 {
	x := uint64(seed) ^ uint64(offset)*seedMix
	if x == 0 {
		x = seedMix
	}
	return x
}

// xorshiftMul advances a xorshift64* state; one step per payload byte
// keeps verification allocation-free.
func xorshiftMul(x uint64) uint64 {
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	return x * 0x2545F4914F6CDD1D
}
