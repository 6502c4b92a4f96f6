package decrypter

import (
	"math/big"
	"testing"

	"golang.org/x/crypto/chacha20"

	"github.com/zcash/warpsync/compact"
	"github.com/zcash/warpsync/keyring"
	zpool "github.com/zcash/warpsync/pool"
)

// encryptForTest builds a compact output that will trial-decrypt
// successfully under ivk, the mirror image of tryDecrypt.
func encryptForTest(t *testing.T, p zpool.ID, ivk keyring.IVK, epk [32]byte, diversifier [11]byte, value uint64, rseed [32]byte) compact.Output {
	t.Helper()
	x := new(big.Int).SetBytes(epk[:16])
	z := new(big.Int).SetBytes(epk[16:])
	if z.Sign() == 0 {
		z = big.NewInt(1)
	}
	zinv := new(big.Int).ModInverse(z, fieldPrime)
	if zinv == nil {
		t.Fatalf("test epk tail not invertible")
	}
	affine := new(big.Int).Mul(x, zinv)
	affine.Mod(affine, fieldPrime)

	shared := sharedSecret(ivk.Scalar, affine, epk)
	ksym := kdf(p, shared, epk)

	var plaintext [plaintextSize]byte
	plaintext[0] = zip212Version
	copy(plaintext[1:12], diversifier[:])
	for i := 0; i < 8; i++ {
		plaintext[12+i] = byte(value >> (8 * i))
	}
	copy(plaintext[20:52], rseed[:])

	cipher, err := chacha20.NewUnauthenticatedCipher(ksym[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	var ct [52]byte
	cipher.XORKeyStream(ct[:], plaintext[:])

	cmu := zpool.For(p).Commitment(ivk.Scalar, diversifier, value, rseed)
	return compact.Output{Cmu: [32]byte(cmu), EphemeralKey: epk, CipherText: ct}
}

func TestDecryptAcceptsOwnOutput(t *testing.T) {
	keys := keyring.NewRegistry()
	ivk := keyring.IVK{Account: 1, Pool: zpool.Sapling, Scalar: []byte("account-1-sapling-ivk")}
	keys.Install(ivk)

	var epk [32]byte
	epk[0] = 7
	epk[31] = 9
	var diversifier [11]byte
	diversifier[0] = 0x42
	var rseed [32]byte
	rseed[5] = 0x11

	out := encryptForTest(t, zpool.Sapling, ivk, epk, diversifier, 12345, rseed)

	candidates := []Candidate{{
		Pool:        zpool.Sapling,
		ChunkIndex:  0,
		Txid:        [32]byte{1},
		OutputIndex: 0,
		Height:      100,
		Output:      out,
	}}

	results := Decrypt(keys, candidates)
	if len(results) != 1 {
		t.Fatalf("expected one result")
	}
	n := results[0].Note
	if n == nil {
		t.Fatalf("expected the output to decrypt successfully")
	}
	if n.Value != 12345 {
		t.Fatalf("value = %d, want 12345", n.Value)
	}
	if n.Account != 1 {
		t.Fatalf("account = %d, want 1", n.Account)
	}
}

func TestDecryptRejectsOutputForAnotherKey(t *testing.T) {
	keys := keyring.NewRegistry()
	owner := keyring.IVK{Account: 1, Pool: zpool.Orchard, Scalar: []byte("owner-key")}
	other := keyring.IVK{Account: 2, Pool: zpool.Orchard, Scalar: []byte("other-key")}
	keys.Install(other)

	var epk [32]byte
	epk[3] = 0xAB
	var diversifier [11]byte
	var rseed [32]byte

	out := encryptForTest(t, zpool.Orchard, owner, epk, diversifier, 1, rseed)

	candidates := []Candidate{{Pool: zpool.Orchard, Output: out}}
	results := Decrypt(keys, candidates)
	if results[0].Note != nil {
		t.Fatalf("expected no key to decrypt an output meant for a different key")
	}
}

func TestDecryptPreservesChunkOrder(t *testing.T) {
	keys := keyring.NewRegistry()
	ivk := keyring.IVK{Account: 1, Pool: zpool.Sapling, Scalar: []byte("order-test-ivk")}
	keys.Install(ivk)

	const n = 40
	candidates := make([]Candidate, n)
	for i := 0; i < n; i++ {
		var epk [32]byte
		epk[0] = byte(i + 1)
		var diversifier [11]byte
		diversifier[0] = byte(i)
		var rseed [32]byte
		rseed[0] = byte(i)
		out := encryptForTest(t, zpool.Sapling, ivk, epk, diversifier, uint64(i), rseed)
		candidates[i] = Candidate{Pool: zpool.Sapling, ChunkIndex: i, OutputIndex: i, Output: out}
	}

	results := Decrypt(keys, candidates)
	for i, r := range results {
		if r.Candidate.ChunkIndex != i {
			t.Fatalf("result %d carries chunk index %d, order was not preserved", i, r.Candidate.ChunkIndex)
		}
		if r.Note == nil || r.Note.Value != uint64(i) {
			t.Fatalf("result %d did not decrypt to value %d", i, i)
		}
	}
}
