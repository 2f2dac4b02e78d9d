package peernet

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// returns r >= 0
func cryptoRandNonNegInt64() (r int64) {
	b := make([]byte, 8)
	_, err := cryrand.Read(b)
	if err != nil {
		panic(err)
	}
	r = int64(binary.LittleEndian.Uint64(b))
	if r < 0 {
		if r == math.MinInt64 {
			return 0
		}
		r = -r
	}
	return r
}

// return r in [0, nChoices) and avoid the inherent
// bias in modulo that starves the numbers in
// the region between the divisor and originally
// generated maximum number.
//
// nChoices must be > 1 or what
// is the point? (this would always return the value 0, just
// a single choice!) We panic if that is requested.
//
// If nChoices is MaxInt64 then
// we just return cryptoRandNonNegInt64(). No
// sampling + rejecting required.
//
// Otherwise we use a rejection sampling
// approach to get an un-biased random number.
func cryptoRandNonNegInt64Range(nChoices int64) (r int64) {
	if nChoices <= 1 {
		panic(fmt.Sprintf("nChoices must be in [2, MaxInt64]; we see %v", nChoices))
	}
	if nChoices == math.MaxInt64 {
		return cryptoRandNonNegInt64()
	}

	// compute the last valid acceptable value,
	// possibly leaving a small window at the top of the
	// int64 range that will require drawing again.
	// we will accept all values <= redrawAbove and
	// modulo them by nChoices.
	redrawAbove := math.MaxInt64 - (((math.MaxInt64 % nChoices) + 1) % nChoices)
	// INVAR: redrawAbove % nChoices == (nChoices - 1).

	b := make([]byte, 8)

	for {
		_, err := cryrand.Read(b)
		if err != nil {
			panic(err)
		}
		r = int64(binary.LittleEndian.Uint64(b))
		if r < 0 {
			// there is 1 more negative integer than
			// positive integers in 2's complement
			// representation on integers, so the probability
			// is exactly 1/2 of entering here.
			//
			// Without this next check, 0 has probability
			// 1/2^64 while every other positive integer has
			// probability 2/2^64, biasing against zero. To
			// correct that, give 0 the last negative number too.
			if r == math.MinInt64 {
				return 0
			}
			r = -r
		}
		if r > redrawAbove {
			continue
		}
		return r % nChoices
	}
}
