package service

import (
	"context"
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/store"
)

// masterPath holds the device secret all client keys derive from. Client
// namespaces cannot start with a dot, so it is out of their reach.
const masterPath = ".service/master"

const masterSize = 32

// ErrSealedTooShort is returned when opening data shorter than a nonce and tag.
var ErrSealedTooShort = errors.Wrap(ErrBadRequest, "sealed data too short")

func (s *Service) masterSecret(ctx context.Context) ([]byte, error) {
	if s.master != nil {
		return s.master, nil
	}
	secret, err := s.platform.Store.Read(ctx, store.Internal, masterPath)
	switch {
	case errors.Is(err, pkg.ErrNotFound):
		secret = make([]byte, masterSize)
		if _, err := io.ReadFull(s.platform.Rand, secret); err != nil {
			return nil, errors.Wrap(err, "generate master secret")
		}
		if err := s.platform.Store.Write(ctx, store.Internal, masterPath, secret); err != nil {
			return nil, errors.Wrap(err, "persist master secret")
		}
		pkg.LogInfo(pkg.ComponentService, "generated device master secret")
	case err != nil:
		return nil, errors.Wrap(err, "load master secret")
	case len(secret) != masterSize:
		return nil, errors.Newf("master secret has %d bytes", len(secret))
	}
	s.master = secret
	return secret, nil
}

func (s *Service) clientKey(ctx context.Context, ep *endpoint, label string) ([]byte, error) {
	if label == "" {
		return nil, errors.Wrap(ErrBadRequest, "empty key label")
	}
	master, err := s.masterSecret(ctx)
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, master, nil, []byte("softkey seal "+ep.id+"/"+label))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	return key, nil
}

func (s *Service) seal(ctx context.Context, ep *endpoint, req Request) ([]byte, error) {
	key, err := s.clientKey(ctx, ep, req.Label)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(req.Data)+aead.Overhead())
	if _, err := io.ReadFull(s.platform.Rand, nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return aead.Seal(nonce, nonce, req.Data, []byte(req.Label)), nil
}

func (s *Service) open(ctx context.Context, ep *endpoint, req Request) ([]byte, error) {
	key, err := s.clientKey(ctx, ep, req.Label)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	if len(req.Data) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.Wrapf(ErrSealedTooShort, "%d bytes", len(req.Data))
	}
	nonce, ct := req.Data[:aead.NonceSize()], req.Data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(req.Label))
	if err != nil {
		return nil, errors.Wrap(err, "open sealed data")
	}
	return plain, nil
}
