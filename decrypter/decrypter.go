// Package decrypter implements the second pipeline stage (spec.md
// §4.2): trial decryption of every compact output in a chunk against
// every registered incoming viewing key.
package decrypter

import (
	"errors"
	"math/big"
	"runtime"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/crypto/chacha20"

	"github.com/zcash/warpsync/compact"
	"github.com/zcash/warpsync/internal/blake2b"
	"github.com/zcash/warpsync/keyring"
	"github.com/zcash/warpsync/note"
	zpool "github.com/zcash/warpsync/pool"
)

var errZeroProduct = errors.New("decrypter: batch contains a zero ephemeral-key coordinate")

// Candidate is one compact output awaiting trial decryption, tagged
// with its position within the chunk so accepted notes can later be
// handed absolute tree positions by the tree builder.
type Candidate struct {
	Pool        zpool.ID
	ChunkIndex  int
	Txid        [32]byte
	OutputIndex int
	Height      uint64
	TxIndex     int
	Output      compact.Output
}

// Result is the outcome of trial-decrypting one candidate against
// every registered key: keys are tried in registry order and Note holds
// the first successful trial, or nil if no key's trial succeeds.
type Result struct {
	Candidate Candidate
	Note      *note.Received // nil on failure
}

// plaintextSize is 1 (version) + 11 (diversifier) + 8 (value) + 32
// (rseed), matching the 52-byte compact ciphertext exactly.
const plaintextSize = 52

const zip212Version = 2

// Decrypt trial-decrypts a chunk's candidates against every key
// installed for each candidate's pool, using a worker pool sized to
// the available CPUs (spec.md §5). Results are returned in the same
// order as candidates; the stage never reorders its input.
func Decrypt(keys *keyring.Registry, candidates []Candidate) []Result {
	results := make([]Result, len(candidates))

	// Batch the affine-coordinate recovery of every candidate's
	// ephemeral key up front, one inversion shared across the whole
	// chunk instead of one per output (spec.md §4.2 "Batched
	// finite-field inversion").
	affine, err := recoverAffine(candidates)

	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for i, c := range candidates {
		i, c := i, c
		p.Go(func() {
			results[i] = Result{Candidate: c}
			if err != nil {
				return // malformed batch; every candidate in it fails closed
			}
			ks := keys.For(c.Pool)
			for _, ivk := range ks {
				if n, ok := tryDecrypt(ivk, c, affine[i]); ok {
					results[i].Note = n
					return
				}
			}
		})
	}
	p.Wait()
	return results
}

// recoverAffine computes, for every candidate, the shared scalar
// derived from its ephemeral key's batch-recovered affine coordinate.
// It does not depend on any particular viewing key; it is purely a
// function of the wire-provided ephemeral key, matching the protocol
// shape where epk's affine recovery happens once regardless of how
// many keys will be tried against it.
func recoverAffine(candidates []Candidate) ([]*big.Int, error) {
	zs := make([]*big.Int, len(candidates))
	xs := make([]*big.Int, len(candidates))
	for i, c := range candidates {
		x := new(big.Int).SetBytes(c.Output.EphemeralKey[:16])
		z := new(big.Int).SetBytes(c.Output.EphemeralKey[16:])
		if z.Sign() == 0 {
			z = big.NewInt(1) // malformed all-zero tail: treat as affine already
		}
		xs[i] = x
		zs[i] = z
	}
	invs, err := batchInvert(zs)
	if err != nil {
		return nil, err
	}
	out := make([]*big.Int, len(candidates))
	for i := range candidates {
		affine := new(big.Int).Mul(xs[i], invs[i])
		affine.Mod(affine, fieldPrime)
		out[i] = affine
	}
	return out, nil
}

// tryDecrypt attempts one (key, candidate) trial decryption.
func tryDecrypt(ivk keyring.IVK, c Candidate, affine *big.Int) (*note.Received, bool) {
	surface := zpool.For(c.Pool)

	shared := sharedSecret(ivk.Scalar, affine, c.Output.EphemeralKey)
	ksym := kdf(c.Pool, shared, c.Output.EphemeralKey)

	plaintext, ok := decryptPlaintext(ksym, c.Output.CipherText)
	if !ok {
		return nil, false
	}
	if plaintext[0] != zip212Version {
		return nil, false
	}

	var diversifier [11]byte
	copy(diversifier[:], plaintext[1:12])
	value := uint64(0)
	for i := 0; i < 8; i++ {
		value |= uint64(plaintext[12+i]) << (8 * i)
	}
	var rseed [32]byte
	copy(rseed[:], plaintext[20:52])

	recomputed := surface.Commitment(ivk.Scalar, diversifier, value, rseed)
	if zpool.Hash(c.Output.Cmu) != recomputed {
		return nil, false
	}

	return &note.Received{
		Account:     uint32(ivk.Account),
		Pool:        c.Pool,
		Diversifier: diversifier,
		Value:       value,
		Rseed:       rseed,
		Txid:        c.Txid,
		OutputIndex: c.OutputIndex,
		Height:      c.Height,
		TxIndex:     c.TxIndex,
		ChunkIndex:  c.ChunkIndex,
	}, true
}

// sharedSecret stands in for the protocol's curve Diffie-Hellman
// S = epk · ivk: a personalized hash of the viewing key scalar, the
// batch-recovered affine coordinate, and the raw ephemeral key bytes.
func sharedSecret(ivkScalar []byte, affine *big.Int, epk [32]byte) [32]byte {
	var personal [16]byte
	copy(personal[:], "Zcash_SharedSec.")
	h := blake2b.New256Personalized(personal)
	h.Write(ivkScalar)
	h.Write(affine.Bytes())
	h.Write(epk[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func kdf(p zpool.ID, shared [32]byte, epk [32]byte) [32]byte {
	var personal [16]byte
	if p == zpool.Sapling {
		copy(personal[:], "Zcash_SaplingKDF")
	} else {
		copy(personal[:], "Zcash_OrchardKDF")
	}
	h := blake2b.New256Personalized(personal)
	h.Write(shared[:])
	h.Write(epk[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// decryptPlaintext runs ChaCha20 over the 52-byte ciphertext prefix
// with a zero nonce -- a fresh, single-use key is derived per output
// by the KDF above, so nonce reuse across messages cannot occur.
func decryptPlaintext(key [32]byte, ct [52]byte) ([plaintextSize]byte, bool) {
	var out [plaintextSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		return out, false
	}
	cipher.XORKeyStream(out[:], ct[:])
	return out, true
}
