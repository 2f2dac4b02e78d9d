package hash

import (
	"io"
	"sync"

	"github.com/glycerine/blake3"
)

// Blake3 wraps a blake3.Hasher for this module's two uses: a short
// content digest over a message payload (used as a checksum), and a
// keyed instance used as a deterministic byte stream (used to mint
// correlation IDs).
type Blake3 struct {
	mut        sync.Mutex
	hasher     *blake3.Hasher
	readOffset int64
}

// NewBlake3 creates a new Blake3.
func NewBlake3() *Blake3 {
	return &Blake3{
		hasher: blake3.New(64, nil),
	}
}

// NewBlake3WithKey creates a Blake3 keyed for use as a PRNG stream: the
// same key always produces the same XOF byte sequence.
func NewBlake3WithKey(key [32]byte) *Blake3 {
	return &Blake3{
		hasher: blake3.New(64, key[:]),
	}
}

// UnlockedDigest264 is not goroutine safe; callers serialize access
// themselves (this module's one caller, the message checksum, builds a
// fresh Blake3 for every call). The output is 33 bytes (264 bits).
func (b *Blake3) UnlockedDigest264(by []byte) (digest []byte) {
	b.hasher.Reset()
	b.hasher.Write(by)
	digest = b.hasher.Sum(nil)
	return digest[:33]
}

// ReadXOF reads pseudo random bytes from the hasher's extendable output
// stream, advancing an internal offset so repeated calls never repeat.
func (b *Blake3) ReadXOF(p []byte) (n int, err error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	r := b.hasher.XOF()

	nr := int64(len(p))
	r.Seek(b.readOffset, io.SeekStart)
	b.readOffset += nr

	n, err = r.Read(p)
	if n != len(p) {
		panic("short read???")
	}
	return
}
