// elgamal.go: Additive upload encryption using exponential ElGamal on NIST P-256
//
// A contributor encrypts a fixed-point rating m as (k·G, m·G + k·Y) under the
// CSP's public key Y = x·G. Ciphertexts combine additively point-wise, which
// lets the RE blind an upload without learning it. The CSP decrypts to m·G and
// recovers m with a bounded baby-step giant-step search, which is feasible
// because ratings and blinding values are small.
//
// Security: DDH assumption on P-256 (semi-honest model).

package upload

import (
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
)

// ErrDiscreteLog reports a plaintext outside the searchable range.
var ErrDiscreteLog = errors.New("upload plaintext outside discrete-log bound")

var p256Curve = elliptic.P256()

// PublicKey is the CSP's upload key Y = x·G.
type PublicKey struct {
	X, Y *big.Int
}

// PrivateKey is held by the CSP only.
type PrivateKey struct {
	PublicKey
	D *big.Int
}

// Ciphertext is an exponential ElGamal pair (C1, C2).
type Ciphertext struct {
	C1x, C1y *big.Int
	C2x, C2y *big.Int
}

// generateScalar generates a random scalar in [1, n-1]
func generateScalar() (*big.Int, error) {
	params := p256Curve.Params()
	nMinus1 := new(big.Int).Sub(params.N, big.NewInt(1))

	k, err := rand.Int(rand.Reader, nMinus1)
	if err != nil {
		return nil, err
	}
	k.Add(k, big.NewInt(1))
	return k, nil
}

// GenerateKey creates a fresh upload key pair.
func GenerateKey() (*PrivateKey, error) {
	d, err := generateScalar()
	if err != nil {
		return nil, fmt.Errorf("failed to generate scalar: %w", err)
	}
	x, y := p256Curve.ScalarBaseMult(d.Bytes())
	return &PrivateKey{PublicKey: PublicKey{X: x, Y: y}, D: d}, nil
}

// scalarBase returns m·G for m >= 0; (0, 0) stands for the point at infinity.
func scalarBase(m int64) (*big.Int, *big.Int) {
	if m == 0 {
		return new(big.Int), new(big.Int)
	}
	return p256Curve.ScalarBaseMult(big.NewInt(m).Bytes())
}

func isInfinity(x, y *big.Int) bool {
	return x.Sign() == 0 && y.Sign() == 0
}

// Encrypt encrypts a non-negative integer m under pk.
func Encrypt(pk *PublicKey, m int64) (*Ciphertext, error) {
	if m < 0 {
		return nil, fmt.Errorf("upload plaintext must be non-negative, got %d", m)
	}
	k, err := generateScalar()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	c1x, c1y := p256Curve.ScalarBaseMult(k.Bytes())
	kyx, kyy := p256Curve.ScalarMult(pk.X, pk.Y, k.Bytes())
	mx, my := scalarBase(m)
	c2x, c2y := kyx, kyy
	if !isInfinity(mx, my) {
		c2x, c2y = p256Curve.Add(mx, my, kyx, kyy)
	}
	return &Ciphertext{C1x: c1x, C1y: c1y, C2x: c2x, C2y: c2y}, nil
}

// Combine returns an encryption of the sum of the plaintexts of a and b.
func Combine(a, b *Ciphertext) *Ciphertext {
	c1x, c1y := p256Curve.Add(a.C1x, a.C1y, b.C1x, b.C1y)
	c2x, c2y := p256Curve.Add(a.C2x, a.C2y, b.C2x, b.C2y)
	return &Ciphertext{C1x: c1x, C1y: c1y, C2x: c2x, C2y: c2y}
}

// Decrypt recovers m provided 0 <= m <= bound.
func (sk *PrivateKey) Decrypt(ct *Ciphertext, bound int64) (int64, error) {
	if ct == nil || ct.C1x == nil || ct.C2x == nil {
		return 0, fmt.Errorf("empty ciphertext")
	}
	if !p256Curve.IsOnCurve(ct.C1x, ct.C1y) {
		return 0, fmt.Errorf("C1 is not on P-256")
	}
	// m·G = C2 - x·C1
	sx, sy := p256Curve.ScalarMult(ct.C1x, ct.C1y, sk.D.Bytes())
	negY := new(big.Int).Sub(p256Curve.Params().P, sy)
	mx, my := p256Curve.Add(ct.C2x, ct.C2y, sx, negY)
	return discreteLog(mx, my, bound)
}

// discreteLog solves m·G = (x, y) for m in [0, bound] with baby-step giant-step.
func discreteLog(x, y *big.Int, bound int64) (int64, error) {
	if isInfinity(x, y) {
		return 0, nil
	}
	if bound < 0 {
		return 0, fmt.Errorf("%w: negative bound", ErrDiscreteLog)
	}
	step := int64(math.Ceil(math.Sqrt(float64(bound + 1))))

	// baby steps: j·G for j in [1, step]
	baby := make(map[string]int64, step)
	bx, by := gx(), gy()
	for j := int64(1); j <= step; j++ {
		if j > 1 {
			bx, by = p256Curve.Add(bx, by, gx(), gy())
		}
		baby[string(elliptic.MarshalCompressed(p256Curve, bx, by))] = j
	}

	// giant steps: target - i·step·G
	sx, sy := scalarBase(step)
	negS := new(big.Int).Sub(p256Curve.Params().P, sy)
	cx, cy := x, y
	for i := int64(0); i*step <= bound; i++ {
		if isInfinity(cx, cy) {
			return i * step, nil
		}
		if j, ok := baby[string(elliptic.MarshalCompressed(p256Curve, cx, cy))]; ok {
			if m := i*step + j; m <= bound {
				return m, nil
			}
		}
		cx, cy = p256Curve.Add(cx, cy, sx, negS)
	}
	return 0, fmt.Errorf("%w: no solution in [0, %d]", ErrDiscreteLog, bound)
}

func gx() *big.Int { return p256Curve.Params().Gx }
func gy() *big.Int { return p256Curve.Params().Gy }
