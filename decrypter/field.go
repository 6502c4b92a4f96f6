package decrypter

import "math/big"

// fieldPrime stands in for the pool's actual base-field modulus
// (Jubjub for Sapling, Pallas for Orchard) -- curve arithmetic itself
// is out of scope here (see package pool's Surface doc comment); what
// this package must still demonstrate faithfully is the batching
// discipline spec.md §4.2 calls a "cross-cutting contract": affine
// coordinate recovery from N ephemeral keys shares a single modular
// inversion instead of paying for N of them.
var fieldPrime = func() *big.Int {
	p, _ := new(big.Int).SetString("73EDA753299D7D483339D80809A1D80553BDA402FFFE5BFEFFFFFFF00000001", 16)
	return p
}()

// batchInvert computes the modular inverse of every element of zs,
// using Montgomery's trick: one big.Int.ModInverse call plus 2*len(zs)
// multiplications, rather than len(zs) separate inversions.
//
// Elements equal to zero have no inverse; callers must not pass them
// (recoverAffine substitutes 1 for a zero ephemeral-key coordinate
// before calling this function).
func batchInvert(zs []*big.Int) ([]*big.Int, error) {
	n := len(zs)
	if n == 0 {
		return nil, nil
	}

	// prefix[i] = zs[0] * zs[1] * ... * zs[i]
	prefix := make([]*big.Int, n)
	acc := big.NewInt(1)
	for i, z := range zs {
		acc = new(big.Int).Mul(acc, z)
		acc.Mod(acc, fieldPrime)
		prefix[i] = acc
	}

	inv := new(big.Int).ModInverse(prefix[n-1], fieldPrime)
	if inv == nil {
		return nil, errZeroProduct
	}

	out := make([]*big.Int, n)
	for i := n - 1; i >= 0; i-- {
		if i == 0 {
			out[i] = inv
		} else {
			out[i] = new(big.Int).Mul(inv, prefix[i-1])
			out[i].Mod(out[i], fieldPrime)
		}
		inv = new(big.Int).Mul(inv, zs[i])
		inv.Mod(inv, fieldPrime)
	}
	return out, nil
}
