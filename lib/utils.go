package lib

import (
	"math"
	"math/rand"
)

func SeqIncrement(seq uint32) uint32 {
	return uint32(uint64(seq) + 1) // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(uint64(seq) + uint64(inc)) // implicit modulo operation included
}

// SEQ compare function with SEQ wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	if seq1 == seq2 {
		return false
	}
	// Calculate direct difference
	var diff, wrapdiff, distance int64
	diff = int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff = int64(math.MaxUint32 + 1 - diff)

	// Choose the shorter distance
	if diff < wrapdiff {
		distance = diff
	} else {
		distance = wrapdiff
	}

	// Check if the first sequence number is "greater"
	return (distance+int64(seq2))%(math.MaxUint32+1) == int64(seq1)
}

func isLess(seq1, seq2 uint32) bool {
	return seq1 != seq2 && !isGreater(seq1, seq2)
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return seq1 == seq2 || isGreater(seq1, seq2)
}

// seqDistance returns the forward distance from seq1 to seq2.
func seqDistance(seq1, seq2 uint32) uint32 {
	return uint32(uint64(seq2) - uint64(seq1))
}

// shouldDrop simulates datagram loss: true with probability p. The
// receiver applies it to each datagram before any processing so the
// sender observes authentic loss signals.
func shouldDrop(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rand.Float64() < p
}
