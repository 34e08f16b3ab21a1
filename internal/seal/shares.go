package seal

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// Threshold secret sharing over GF(256). A root secret is split into n
// shares of which any t reconstruct it; fewer than t reveal nothing. Each
// share is the secret length plus one leading x-coordinate byte.

// gf256 log/exp tables for generator 3.
var (
	gfExp [512]byte
	gfLog [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		// multiply by the generator 0x03
		x = gfMulSlow(x, 3)
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMulSlow(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b // AES polynomial x^8+x^4+x^3+x+1
		}
		b >>= 1
	}
	return p
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("seal: division by zero in GF(256)")
	}
	if a == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+255-int(gfLog[b])]
}

// evalPoly evaluates a polynomial with the given coefficients at x using
// Horner's rule. coefficients[0] is the constant term (the secret byte).
func evalPoly(coefficients []byte, x byte) byte {
	result := byte(0)
	for i := len(coefficients) - 1; i >= 0; i-- {
		result = gfMul(result, x) ^ coefficients[i]
	}
	return result
}

// splitSecret splits secret into n shares with reconstruction threshold t.
// Share format: [x-coordinate | y-bytes], one y byte per secret byte.
func splitSecret(secret []byte, n, t int) ([][]byte, error) {
	if t < 1 || n < t || n > 255 {
		return nil, fmt.Errorf("seal: invalid share parameters n=%d t=%d", n, t)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("seal: cannot split empty secret")
	}

	shares := make([][]byte, n)
	for i := range shares {
		shares[i] = make([]byte, len(secret)+1)
		shares[i][0] = byte(i + 1) // x = 0 would leak the secret
	}

	coefficients := make([]byte, t)
	for byteIdx, secretByte := range secret {
		coefficients[0] = secretByte
		if _, err := rand.Read(coefficients[1:]); err != nil {
			return nil, fmt.Errorf("seal: share randomness: %w", err)
		}
		for _, share := range shares {
			share[byteIdx+1] = evalPoly(coefficients, share[0])
		}
	}
	return shares, nil
}

// combineShares reconstructs the secret from at least t distinct shares via
// Lagrange interpolation at x=0. Duplicate or malformed shares are rejected;
// an insufficient or corrupted set yields garbage, which callers detect
// against the key commitment.
func combineShares(shares [][]byte) ([]byte, error) {
	if len(shares) < 1 {
		return nil, fmt.Errorf("seal: no shares to combine")
	}
	length := len(shares[0])
	if length < 2 {
		return nil, fmt.Errorf("seal: share too short")
	}
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if len(s) != length {
			return nil, fmt.Errorf("seal: share length mismatch")
		}
		if s[0] == 0 {
			return nil, fmt.Errorf("seal: invalid share coordinate 0")
		}
		if seen[s[0]] {
			return nil, fmt.Errorf("seal: duplicate share coordinate %d", s[0])
		}
		seen[s[0]] = true
	}

	secret := make([]byte, length-1)
	for byteIdx := range secret {
		var value byte
		for i, si := range shares {
			// Lagrange basis for x=0.
			num, den := byte(1), byte(1)
			for j, sj := range shares {
				if i == j {
					continue
				}
				num = gfMul(num, sj[0])
				den = gfMul(den, si[0]^sj[0])
			}
			value ^= gfMul(si[byteIdx+1], gfDiv(num, den))
		}
		secret[byteIdx] = value
	}
	return secret, nil
}

// secretsEqual compares two secrets in constant time.
func secretsEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
