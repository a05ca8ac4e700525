// service.go: CSP key holder and upload conversion
//
// The Service owns both CSP secrets: the BFV secret key, held inside the
// decrypting engine, and the ElGamal upload key. It converts blinded upload
// ciphertexts into BFV ciphertexts and hands out one Aggregator per run.
//
// Conversion protocol:
//  1. The contributor encrypts r (fixed point, base scale) under the upload key
//  2. The RE adds Enc(b) for a blinding value b of a few bits
//  3. The CSP decrypts r+b with a bounded discrete log and BFV-encrypts [r+b, 0, ...]
//  4. The RE subtracts b homomorphically
//
// The CSP therefore sees r only behind the blinding value b.

package csp

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/upload"
)

// Service is the CSP.
type Service struct {
	engine      he.Engine
	uploadKey   *upload.PrivateKey
	uploadBound int64
	logger      zerolog.Logger
}

// NewService wraps a decrypting engine and the upload key. uploadBound is the
// largest blinded fixed-point rating the discrete log searches for.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewService(engine he.Engine, uploadKey *upload.PrivateKey, uploadBound int64, logger zerolog.Logger) (*Service, error) {
	if !engine.CanDecrypt() {
		return nil, fmt.Errorf("csp: %w", he.ErrNoSecretKey)
	}
	if uploadKey == nil {
		return nil, fmt.Errorf("csp: upload key is required")
	}
	if uploadBound <= 0 {
		return nil, fmt.Errorf("csp: upload bound must be positive, got %d", uploadBound)
	}
	return &Service{
		engine:      engine,
		uploadKey:   uploadKey,
		uploadBound: uploadBound,
		logger:      logger,
	}, nil
}

// UploadKey is the public key contributors encrypt ratings under.
func (s *Service) UploadKey() *upload.PublicKey { return &s.uploadKey.PublicKey }

// ConvertUpload turns a blinded upload ciphertext into a BFV ciphertext
// holding the blinded rating in slot 0.
func (s *Service) ConvertUpload(ct *upload.Ciphertext) (he.Ciphertext, error) {
	m, err := s.uploadKey.Decrypt(ct, s.uploadBound)
	if err != nil {
		return nil, fmt.Errorf("convert upload: %w", err)
	}
	out, err := s.engine.Encrypt([]int64{m})
	if err != nil {
		return nil, fmt.Errorf("convert upload: %w", err)
	}
	return out, nil
}

// NewAggregator starts serving a training run over M.
func (s *Service) NewAggregator(space *ratings.Space, scale fixedpoint.Scale, dims int, stopSlots string) (*Aggregator, error) {
	return NewAggregator(s.engine.ShallowCopy(), space, scale, dims, stopSlots, s.logger)
}
