// clear.go: Plaintext simulation of the BFV engine
//
// Clear computes slot-wise in Z_t exactly as BFV batching does, without any
// encryption. It stands in for the real engine in protocol tests and in the
// simulate mode of the CLI, so overflow and wrap-around behave identically.

package he

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

type clearCiphertext struct {
	slots []uint64
}

func (c *clearCiphertext) MarshalBinary() ([]byte, error) {
	out := make([]byte, 8*len(c.slots))
	for i, v := range c.slots {
		binary.LittleEndian.PutUint64(out[8*i:], v)
	}
	return out, nil
}

// Clear implements Engine without encryption.
type Clear struct {
	slots      int
	t          uint64
	canDecrypt bool
}

// NewClear creates a simulation engine with the given slot count and plaintext
// modulus. An engine with canDecrypt false mirrors the RE's key-less view.
func NewClear(slots int, t uint64, canDecrypt bool) *Clear {
	return &Clear{slots: slots, t: t, canDecrypt: canDecrypt}
}

// WithoutSecretKey returns an engine over the same ring that cannot decrypt.
func (e *Clear) WithoutSecretKey() *Clear {
	return &Clear{slots: e.slots, t: e.t}
}

func (e *Clear) Slots() int               { return e.slots }
func (e *Clear) PlaintextModulus() uint64 { return e.t }
func (e *Clear) CanDecrypt() bool         { return e.canDecrypt }
func (e *Clear) ShallowCopy() Engine      { c := *e; return &c }

func (e *Clear) encode(values []int64) ([]uint64, error) {
	if err := checkPlain(values, e.slots, e.t); err != nil {
		return nil, err
	}
	out := make([]uint64, e.slots)
	for i, v := range values {
		out[i] = reduce(v, e.t)
	}
	return out, nil
}

func (e *Clear) unwrap(ct Ciphertext) (*clearCiphertext, error) {
	c, ok := ct.(*clearCiphertext)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: got %T", ErrForeignCiphertext, ct)
	}
	if len(c.slots) != e.slots {
		return nil, fmt.Errorf("%w: %d slots, engine has %d", ErrForeignCiphertext, len(c.slots), e.slots)
	}
	return c, nil
}

func (e *Clear) zip(a, b Ciphertext, op func(x, y uint64) uint64) (Ciphertext, error) {
	ca, err := e.unwrap(a)
	if err != nil {
		return nil, err
	}
	cb, err := e.unwrap(b)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, e.slots)
	for i := range out {
		out[i] = op(ca.slots[i], cb.slots[i])
	}
	return &clearCiphertext{slots: out}, nil
}

func (e *Clear) plain(ct Ciphertext, values []int64, op func(x, y uint64) uint64) (Ciphertext, error) {
	pt, err := e.encode(values)
	if err != nil {
		return nil, err
	}
	return e.zip(ct, &clearCiphertext{slots: pt}, op)
}

func (e *Clear) add(x, y uint64) uint64 {
	s := x + y
	if s >= e.t {
		s -= e.t
	}
	return s
}

func (e *Clear) sub(x, y uint64) uint64 {
	if x >= y {
		return x - y
	}
	return x + e.t - y
}

func (e *Clear) mul(x, y uint64) uint64 {
	hi, lo := bits.Mul64(x, y)
	return bits.Rem64(hi, lo, e.t)
}

func (e *Clear) Encrypt(values []int64) (Ciphertext, error) {
	pt, err := e.encode(values)
	if err != nil {
		return nil, err
	}
	return &clearCiphertext{slots: pt}, nil
}

func (e *Clear) Decrypt(ct Ciphertext) ([]int64, error) {
	if !e.canDecrypt {
		return nil, ErrNoSecretKey
	}
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	out := make([]int64, e.slots)
	for i, v := range c.slots {
		out[i] = center(v, e.t)
	}
	return out, nil
}

func (e *Clear) Add(a, b Ciphertext) (Ciphertext, error) { return e.zip(a, b, e.add) }
func (e *Clear) Sub(a, b Ciphertext) (Ciphertext, error) { return e.zip(a, b, e.sub) }
func (e *Clear) Mul(a, b Ciphertext) (Ciphertext, error) { return e.zip(a, b, e.mul) }

func (e *Clear) AddPlain(ct Ciphertext, values []int64) (Ciphertext, error) {
	return e.plain(ct, values, e.add)
}

func (e *Clear) SubPlain(ct Ciphertext, values []int64) (Ciphertext, error) {
	return e.plain(ct, values, e.sub)
}

func (e *Clear) MulPlain(ct Ciphertext, values []int64) (Ciphertext, error) {
	return e.plain(ct, values, e.mul)
}

func (e *Clear) MulScalar(ct Ciphertext, s int64) (Ciphertext, error) {
	if err := checkPlain([]int64{s}, 1, e.t); err != nil {
		return nil, err
	}
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, err
	}
	r := reduce(s, e.t)
	out := make([]uint64, e.slots)
	for i, v := range c.slots {
		out[i] = e.mul(v, r)
	}
	return &clearCiphertext{slots: out}, nil
}

func (e *Clear) Square(ct Ciphertext) (Ciphertext, error) { return e.Mul(ct, ct) }

func (e *Clear) UnmarshalCiphertext(data []byte) (Ciphertext, error) {
	if len(data) != 8*e.slots {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, want %d", ErrDecryption, len(data), 8*e.slots)
	}
	out := make([]uint64, e.slots)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[8*i:])
		if out[i] >= e.t {
			return nil, fmt.Errorf("%w: slot %d out of range", ErrDecryption, i)
		}
	}
	return &clearCiphertext{slots: out}, nil
}
