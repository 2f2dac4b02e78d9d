package peernet

import (
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	blakehash "github.com/nodenet/peernet/hash"
)

// PRNG mints short correlation IDs used to tag connection log lines, so
// an operator grepping stderr can follow one connection's events across
// accept/ping-pong/teardown without confusing it for another. It is
// goroutine safe.
type PRNG struct {
	mut        sync.Mutex
	seed       [32]byte
	blake3rand *blakehash.Blake3
}

func NewPRNG(seed [32]byte) *PRNG {
	return &PRNG{
		seed:       seed,
		blake3rand: blakehash.NewBlake3WithKey(seed),
	}
}

// NewCallID returns a short base64-encoded token, not cryptographically
// random (it's drawn from the keyed PRNG stream, not crypto/rand), but
// unique enough across a single process's lifetime to use as a log tag.
func (rng *PRNG) NewCallID() (cid string) {
	rng.mut.Lock()
	defer rng.mut.Unlock()

	var pseudo [21]byte
	rng.blake3rand.ReadXOF(pseudo[:])
	cid = cristalbase64.URLEncoding.EncodeToString(pseudo[:])
	return
}
