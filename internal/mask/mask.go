// mask.go: PRG masks for values the RE exposes to the CSP
//
// Every call that hands a value to the CSP for decryption draws a fresh mask:
//   - The PRG key is derived from a seed via HKDF-SHA256, salted with the run ID
//   - Each call uses its own ChaCha20 nonce, so no keystream is ever reused
//   - Mask entries η are uniform in [0, 2^bits) and are added at 2^shift·η,
//     where shift is the number of bits the CSP will floor-divide by
//
// Adding 2^shift·η keeps floor((x+2^shift·η)/2^shift) = floor(x/2^shift)+η
// exact, so the RE removes the mask by subtracting the CSP transform of η.

package mask

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
)

const hkdfInfo = "recsys-re-mask-v1"

// MaxBits bounds the mask width.
const MaxBits = 48

// Generator produces fresh masks. It is safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	key   []byte
	calls uint64
	bits  int
	runID string
}

// NewGenerator derives the PRG key from a 32-byte seed and the run ID.
func NewGenerator(seed []byte, runID string, bits int) (*Generator, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("seed must be 32 bytes, got %d", len(seed))
	}
	if bits <= 0 || bits > MaxBits {
		return nil, fmt.Errorf("mask bits must be in [1, %d], got %d", MaxBits, bits)
	}

	salt := sha256.Sum256([]byte(runID))
	key := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, salt[:], []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	return &Generator{key: key, bits: bits, runID: runID}, nil
}

// NewRandomGenerator seeds a Generator from crypto/rand.
func NewRandomGenerator(runID string, bits int) (*Generator, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	return NewGenerator(seed, runID, bits)
}

// RunID is the training run the stream is bound to.
func (g *Generator) RunID() string { return g.runID }

// Bits is the width of every mask entry.
func (g *Generator) Bits() int { return g.bits }

// keystream returns n fresh keystream bytes. Nonce = [0x00 * 4 || big_endian_uint64(call)].
func (g *Generator) keystream(n int) ([]byte, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	g.mu.Unlock()

	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], call)

	cipher, err := chacha20.NewUnauthenticatedCipher(g.key, nonce)
	if err != nil {
		return nil, fmt.Errorf("ChaCha20 cipher creation failed: %w", err)
	}
	buf := make([]byte, n)
	cipher.XORKeyStream(buf, buf)
	return buf, nil
}

// uniform fills out with values uniform in [0, 2^bits).
func (g *Generator) uniform(out []int64, bits int) error {
	raw, err := g.keystream(8 * len(out))
	if err != nil {
		return err
	}
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]) >> (64 - bits))
	}
	return nil
}

// New draws a mask of n rows of d slots, to be added at scale 2^shift.
func (g *Generator) New(n, d, shift int) (*Mask, error) {
	flat := make([]int64, n*d)
	if err := g.uniform(flat, g.bits); err != nil {
		return nil, err
	}
	eta := make([]ratings.Vector, n)
	for i := range eta {
		eta[i] = ratings.Vector(flat[i*d : (i+1)*d : (i+1)*d])
	}
	return &Mask{eta: eta, shift: shift}, nil
}

// Blind draws one value uniform in [0, 2^bits), used to blind an upload.
func (g *Generator) Blind(bits int) (int64, error) {
	if bits <= 0 || bits > MaxBits {
		return 0, fmt.Errorf("blind bits must be in [1, %d], got %d", MaxBits, bits)
	}
	out := make([]int64, 1)
	if err := g.uniform(out, bits); err != nil {
		return 0, err
	}
	return out[0], nil
}

// Mask is the blinding material of a single CSP call.
type Mask struct {
	eta      []ratings.Vector
	shift    int
	released bool
}

// Len is the number of rows.
func (m *Mask) Len() int { return len(m.eta) }

// Shift is the CSP-side floor shift the mask was drawn for.
func (m *Mask) Shift() int { return m.shift }

// Eta returns the unscaled mask rows.
func (m *Mask) Eta() []ratings.Vector {
	if m.released {
		panic("mask: use after release")
	}
	return m.eta
}

// Row returns 2^shift·η for row i, the value added before sending.
func (m *Mask) Row(i int) ratings.Vector {
	row := m.Eta()[i]
	out := make(ratings.Vector, len(row))
	for j, x := range row {
		out[j] = x << m.shift
	}
	return out
}

// SlotSums returns, per row, the sum of η over its first d slots.
func (m *Mask) SlotSums(d int) []int64 {
	eta := m.Eta()
	out := make([]int64, len(eta))
	for i, row := range eta {
		for j := 0; j < d && j < len(row); j++ {
			out[i] += row[j]
		}
	}
	return out
}

// ColumnSums returns the slot-wise sum of η over all rows, for d slots.
func (m *Mask) ColumnSums(d int) ratings.Vector {
	out := make(ratings.Vector, d)
	for _, row := range m.Eta() {
		for j := 0; j < d && j < len(row); j++ {
			out[j] += row[j]
		}
	}
	return out
}

// Release drops the mask once its contribution has been subtracted.
func (m *Mask) Release() {
	for _, row := range m.eta {
		for j := range row {
			row[j] = 0
		}
	}
	m.eta = nil
	m.released = true
}
