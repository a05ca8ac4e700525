// codec.go: Base64 encoding of upload keys and ciphertexts
//
// Points are sent compressed, following the PSI point encoding.

package upload

import (
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
)

const compressedLen = 33

// encodePoint compresses an EC point to base64
func encodePoint(x, y *big.Int) string {
	compressed := elliptic.MarshalCompressed(p256Curve, x, y)
	return base64.StdEncoding.EncodeToString(compressed)
}

// decodePoint decompresses a base64 EC point
func decodePoint(encoded string) (*big.Int, *big.Int, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("base64 decode: %w", err)
	}
	return unmarshalPoint(data)
}

func unmarshalPoint(data []byte) (*big.Int, *big.Int, error) {
	x, y := elliptic.UnmarshalCompressed(p256Curve, data)
	if x == nil {
		return nil, nil, fmt.Errorf("invalid compressed P-256 point")
	}
	return x, y, nil
}

// Encode returns the base64 compressed public key.
func (pk *PublicKey) Encode() string { return encodePoint(pk.X, pk.Y) }

// DecodePublicKey parses the output of PublicKey.Encode.
func DecodePublicKey(encoded string) (*PublicKey, error) {
	x, y, err := decodePoint(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode upload public key: %w", err)
	}
	return &PublicKey{X: x, Y: y}, nil
}

// Encode returns base64(C1 || C2) with both points compressed.
func (ct *Ciphertext) Encode() (string, error) {
	if isInfinity(ct.C1x, ct.C1y) || isInfinity(ct.C2x, ct.C2y) {
		return "", fmt.Errorf("ciphertext contains the point at infinity")
	}
	buf := make([]byte, 0, 2*compressedLen)
	buf = append(buf, elliptic.MarshalCompressed(p256Curve, ct.C1x, ct.C1y)...)
	buf = append(buf, elliptic.MarshalCompressed(p256Curve, ct.C2x, ct.C2y)...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeCiphertext parses the output of Ciphertext.Encode.
func DecodeCiphertext(encoded string) (*Ciphertext, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) != 2*compressedLen {
		return nil, fmt.Errorf("upload ciphertext is %d bytes, want %d", len(data), 2*compressedLen)
	}
	c1x, c1y, err := unmarshalPoint(data[:compressedLen])
	if err != nil {
		return nil, fmt.Errorf("C1: %w", err)
	}
	c2x, c2y, err := unmarshalPoint(data[compressedLen:])
	if err != nil {
		return nil, fmt.Errorf("C2: %w", err)
	}
	return &Ciphertext{C1x: c1x, C1y: c1y, C2x: c2x, C2y: c2y}, nil
}
