// bfv.go: BFV engine using Lattigo v6
//
// Values are batch-encoded into the SIMD slots of a BFV plaintext. The engine
// built for the RE carries only the public and relinearisation keys; the one
// built for the CSP additionally carries the secret key.
//
// Lattigo v6 implements BFV as the scale-invariant mode of bgv. A
// scale-invariant product leaves its result at a non-unit plaintext scale
// s = 1/(-Q mod t), which the decoder removes. The engine keeps that metadata
// consistent:
//   - scalar products keep the scale of their operand
//   - plaintexts are encoded at the scale of the ciphertext they meet
//   - before adding a fresh (unit-scale) ciphertext to a product, it is
//     brought to the product's scale, so the product's larger noise is
//     never multiplied by a scale-matching factor

package he

import (
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// PublicKeys is the key material the CSP hands to the RE.
type PublicKeys struct {
	PublicKey          *rlwe.PublicKey
	RelinearizationKey *rlwe.RelinearizationKey
}

// KeySet is the full key material held by the CSP.
type KeySet struct {
	PublicKeys
	SecretKey *rlwe.SecretKey
}

// KeyBundle is the base64 JSON form of PublicKeys.
type KeyBundle struct {
	PublicKey          string `json:"public_key"`          // Base64 encoded
	RelinearizationKey string `json:"relinearization_key"` // Base64 encoded
}

// GenerateKeys generates a fresh secret key, public key and relinearisation key.
func GenerateKeys(params bgv.Parameters) *KeySet {
	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	return &KeySet{
		PublicKeys: PublicKeys{PublicKey: pk, RelinearizationKey: rlk},
		SecretKey:  sk,
	}
}

// Encode serialises the public keys.
func (pk PublicKeys) Encode() (*KeyBundle, error) {
	pkBytes, err := pk.PublicKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	rlkBytes, err := pk.RelinearizationKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize relinearization key: %w", err)
	}
	return &KeyBundle{
		PublicKey:          base64.StdEncoding.EncodeToString(pkBytes),
		RelinearizationKey: base64.StdEncoding.EncodeToString(rlkBytes),
	}, nil
}

// DecodePublicKeys parses a KeyBundle produced by Encode.
func DecodePublicKeys(params bgv.Parameters, bundle *KeyBundle) (PublicKeys, error) {
	pkBytes, err := base64.StdEncoding.DecodeString(bundle.PublicKey)
	if err != nil {
		return PublicKeys{}, fmt.Errorf("failed to decode public key: %w", err)
	}
	pk := rlwe.NewPublicKey(params)
	if err := pk.UnmarshalBinary(pkBytes); err != nil {
		return PublicKeys{}, fmt.Errorf("failed to deserialize public key: %w", err)
	}

	rlkBytes, err := base64.StdEncoding.DecodeString(bundle.RelinearizationKey)
	if err != nil {
		return PublicKeys{}, fmt.Errorf("failed to decode relinearization key: %w", err)
	}
	rlk := rlwe.NewRelinearizationKey(params)
	if err := rlk.UnmarshalBinary(rlkBytes); err != nil {
		return PublicKeys{}, fmt.Errorf("failed to deserialize relinearization key: %w", err)
	}

	return PublicKeys{PublicKey: pk, RelinearizationKey: rlk}, nil
}

// BFV implements Engine over Lattigo's scale-invariant bgv evaluator.
type BFV struct {
	params    bgv.Parameters
	keys      PublicKeys
	encoder   *bgv.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evaluator *bgv.Evaluator
}

// NewBFV creates an engine. sk may be nil, in which case Decrypt fails with
// ErrNoSecretKey.
func NewBFV(params bgv.Parameters, keys PublicKeys, sk *rlwe.SecretKey) (*BFV, error) {
	if keys.PublicKey == nil || keys.RelinearizationKey == nil {
		return nil, fmt.Errorf("public and relinearization keys are required")
	}
	e := &BFV{
		params:    params,
		keys:      keys,
		encoder:   bgv.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, keys.PublicKey),
		evaluator: bgv.NewEvaluator(params, rlwe.NewMemEvaluationKeySet(keys.RelinearizationKey), true),
	}
	if sk != nil {
		e.decryptor = rlwe.NewDecryptor(params, sk)
	}
	return e, nil
}

// Parameters returns the scheme parameters of the engine.
func (e *BFV) Parameters() bgv.Parameters { return e.params }

// PublicKeys returns the keys an RE-side engine needs.
func (e *BFV) PublicKeys() PublicKeys { return e.keys }

func (e *BFV) Slots() int               { return e.params.MaxSlots() }
func (e *BFV) PlaintextModulus() uint64 { return e.params.PlaintextModulus() }
func (e *BFV) CanDecrypt() bool         { return e.decryptor != nil }

func (e *BFV) ShallowCopy() Engine {
	c := &BFV{
		params:    e.params,
		keys:      e.keys,
		encoder:   e.encoder.ShallowCopy(),
		encryptor: e.encryptor.ShallowCopy(),
		evaluator: e.evaluator.ShallowCopy(),
	}
	if e.decryptor != nil {
		c.decryptor = e.decryptor.ShallowCopy()
	}
	return c
}

func (e *BFV) encode(values []int64) (*rlwe.Plaintext, error) {
	return e.encodeAt(values, e.params.MaxLevel(), e.params.NewScale(1))
}

// encodeAt encodes values so that they add to a ciphertext at the given level
// and scale without any scale matching.
func (e *BFV) encodeAt(values []int64, level int, scale rlwe.Scale) (*rlwe.Plaintext, error) {
	if err := checkPlain(values, e.Slots(), e.PlaintextModulus()); err != nil {
		return nil, err
	}
	padded := make([]int64, e.Slots())
	copy(padded, values)
	pt := bgv.NewPlaintext(e.params, level)
	pt.Scale = scale
	if err := e.encoder.Encode(padded, pt); err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	return pt, nil
}

func isUnitScale(s rlwe.Scale) bool { return s.Uint64() == 1 }

// rescaleTo re-expresses ct at the target scale. The message is unchanged;
// the ciphertext is multiplied by target/ct.Scale mod t.
func (e *BFV) rescaleTo(ct *rlwe.Ciphertext, target rlwe.Scale) (*rlwe.Ciphertext, error) {
	t := new(big.Int).SetUint64(e.PlaintextModulus())
	k := new(big.Int).ModInverse(new(big.Int).SetUint64(ct.Scale.Uint64()), t)
	if k == nil {
		return nil, fmt.Errorf("ciphertext scale %d is not invertible mod t", ct.Scale.Uint64())
	}
	k.Mul(k, new(big.Int).SetUint64(target.Uint64()))
	k.Mod(k, t)

	out := ct.CopyNew()
	if err := e.evaluator.Mul(ct, k, out); err != nil {
		return nil, fmt.Errorf("failed to match scales: %w", err)
	}
	out.Scale = e.params.NewScale(target.Uint64())
	return out, nil
}

// matchScales brings a unit-scale operand to the scale of the other one.
// Two non-unit operands are left to the evaluator's own scale matching.
func (e *BFV) matchScales(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, *rlwe.Ciphertext, error) {
	if a.Scale.Cmp(b.Scale) == 0 {
		return a, b, nil
	}
	var err error
	switch {
	case isUnitScale(b.Scale):
		b, err = e.rescaleTo(b, a.Scale)
	case isUnitScale(a.Scale):
		a, err = e.rescaleTo(a, b.Scale)
	}
	return a, b, err
}

func (e *BFV) unwrap(ct Ciphertext) (*rlwe.Ciphertext, error) {
	c, ok := ct.(*rlwe.Ciphertext)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: got %T", ErrForeignCiphertext, ct)
	}
	return c, nil
}

func (e *BFV) unwrap2(a, b Ciphertext) (*rlwe.Ciphertext, *rlwe.Ciphertext, error) {
	ca, err := e.unwrap(a)
	if err != nil {
		return nil, nil, err
	}
	cb, err := e.unwrap(b)
	if err != nil {
		return nil, nil, err
	}
	return ca, cb, nil
}

func (e *BFV) Encrypt(values []int64) (Ciphertext, error) {
	pt, err := e.encode(values)
	if err != nil {
		return nil, err
	}
	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

func (e *BFV) Decrypt(ct Ciphertext) ([]int64, error) {
	if e.decryptor == nil {
		return nil, ErrNoSecretKey
	}
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if c.Degree() != 1 {
		return nil, fmt.Errorf("%w: ciphertext degree %d", ErrDecryption, c.Degree())
	}
	pt := e.decryptor.DecryptNew(c)
	values := make([]int64, e.Slots())
	if err := e.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrDecryption, err)
	}
	return values, nil
}

func (e *BFV) Add(a, b Ciphertext) (Ciphertext, error) {
	ca, cb, err := e.unwrap2(a, b)
	if err != nil {
		return nil, err
	}
	if ca, cb, err = e.matchScales(ca, cb); err != nil {
		return nil, err
	}
	return e.evaluator.AddNew(ca, cb)
}

func (e *BFV) Sub(a, b Ciphertext) (Ciphertext, error) {
	ca, cb, err := e.unwrap2(a, b)
	if err != nil {
		return nil, err
	}
	if ca, cb, err = e.matchScales(ca, cb); err != nil {
		return nil, err
	}
	return e.evaluator.SubNew(ca, cb)
}

func (e *BFV) AddPlain(ct Ciphertext, values []int64) (Ciphertext, error) {
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, err
	}
	pt, err := e.encodeAt(values, c.Level(), c.Scale)
	if err != nil {
		return nil, err
	}
	return e.evaluator.AddNew(c, pt)
}

func (e *BFV) SubPlain(ct Ciphertext, values []int64) (Ciphertext, error) {
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, err
	}
	pt, err := e.encodeAt(values, c.Level(), c.Scale)
	if err != nil {
		return nil, err
	}
	return e.evaluator.SubNew(c, pt)
}

func (e *BFV) Mul(a, b Ciphertext) (Ciphertext, error) {
	ca, cb, err := e.unwrap2(a, b)
	if err != nil {
		return nil, err
	}
	return e.evaluator.MulRelinNew(ca, cb)
}

func (e *BFV) MulPlain(ct Ciphertext, values []int64) (Ciphertext, error) {
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, err
	}
	pt, err := e.encode(values)
	if err != nil {
		return nil, err
	}
	return e.evaluator.MulNew(c, pt)
}

// MulScalar multiplies every slot by s. The output keeps the scale of ct:
// the evaluator's MulNew would allocate it at unit scale.
func (e *BFV) MulScalar(ct Ciphertext, s int64) (Ciphertext, error) {
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, err
	}
	if err := checkPlain([]int64{s}, 1, e.PlaintextModulus()); err != nil {
		return nil, err
	}
	out := c.CopyNew()
	if err := e.evaluator.Mul(c, new(big.Int).SetInt64(s), out); err != nil {
		return nil, fmt.Errorf("failed to multiply by scalar: %w", err)
	}
	return out, nil
}

func (e *BFV) Square(ct Ciphertext) (Ciphertext, error) {
	c, err := e.unwrap(ct)
	if err != nil {
		return nil, err
	}
	return e.evaluator.MulRelinNew(c, c)
}

func (e *BFV) UnmarshalCiphertext(data []byte) (Ciphertext, error) {
	ct := bgv.NewCiphertext(e.params, 1, e.params.MaxLevel())
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize ciphertext: %v", ErrDecryption, err)
	}
	return ct, nil
}
