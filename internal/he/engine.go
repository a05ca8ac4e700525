// engine.go: Homomorphic engine capability shared by the RE and the CSP
//
// The protocol only consumes a handful of SIMD operations over packed integer
// vectors. Engine abstracts them so the RE and the CSP receive the capability
// by injection: the RE gets an engine without a secret key, the CSP gets one
// with it, and tests can swap in the clear simulation engine.

package he

import (
	"errors"
	"fmt"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
)

var (
	// ErrDecryption reports an engine-level decryption failure.
	ErrDecryption = errors.New("decryption failure")
	// ErrNoSecretKey is returned by Decrypt on an engine built without the secret key.
	ErrNoSecretKey = errors.New("engine holds no secret key")
	// ErrForeignCiphertext is returned when a ciphertext produced by another engine type is passed in.
	ErrForeignCiphertext = errors.New("ciphertext does not belong to this engine")
)

// Ciphertext is an encrypted packed vector. Its concrete type belongs to the
// engine that produced it.
type Ciphertext interface {
	MarshalBinary() ([]byte, error)
}

// Engine is the homomorphic capability. Implementations are not safe for
// concurrent use; call ShallowCopy once per goroutine.
type Engine interface {
	// Slots is the SIMD width shared by all parties.
	Slots() int
	// PlaintextModulus is t; decoded values are centered in (-t/2, t/2].
	PlaintextModulus() uint64
	CanDecrypt() bool

	Encrypt(values []int64) (Ciphertext, error)
	Decrypt(ct Ciphertext) ([]int64, error)

	Add(a, b Ciphertext) (Ciphertext, error)
	Sub(a, b Ciphertext) (Ciphertext, error)
	AddPlain(ct Ciphertext, values []int64) (Ciphertext, error)
	SubPlain(ct Ciphertext, values []int64) (Ciphertext, error)
	// Mul multiplies two ciphertexts slot-wise and relinearises.
	Mul(a, b Ciphertext) (Ciphertext, error)
	MulPlain(ct Ciphertext, values []int64) (Ciphertext, error)
	MulScalar(ct Ciphertext, c int64) (Ciphertext, error)
	Square(ct Ciphertext) (Ciphertext, error)

	UnmarshalCiphertext(data []byte) (Ciphertext, error)
	ShallowCopy() Engine
}

// halfModulus is the largest magnitude that survives encode/decode unchanged.
func halfModulus(t uint64) int64 {
	return int64((t - 1) / 2)
}

// checkPlain rejects vectors that are longer than the slot count or do not fit
// in the centered plaintext range.
func checkPlain(values []int64, slots int, t uint64) error {
	if len(values) > slots {
		return fmt.Errorf("%d values exceed %d slots", len(values), slots)
	}
	return fixedpoint.CheckVector(values, halfModulus(t))
}

// reduce maps a signed integer into [0, t).
func reduce(x int64, t uint64) uint64 {
	m := x % int64(t)
	if m < 0 {
		m += int64(t)
	}
	return uint64(m)
}

// center maps [0, t) onto (-t/2, t/2].
func center(x, t uint64) int64 {
	if x > t/2 {
		return -int64(t - x)
	}
	return int64(x)
}

// EncryptAll encrypts each row of rows.
func EncryptAll(e Engine, rows [][]int64) ([]Ciphertext, error) {
	out := make([]Ciphertext, len(rows))
	for i, row := range rows {
		ct, err := e.Encrypt(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = ct
	}
	return out, nil
}

// DecryptAll decrypts every ciphertext and truncates the result to d slots.
func DecryptAll(e Engine, cts []Ciphertext, d int) ([][]int64, error) {
	out := make([][]int64, len(cts))
	for i, ct := range cts {
		v, err := e.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if len(v) < d {
			return nil, fmt.Errorf("row %d: %w: decoded %d slots, need %d", i, ErrDecryption, len(v), d)
		}
		out[i] = v[:d:d]
	}
	return out, nil
}
