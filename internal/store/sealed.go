package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4

	saltKey    = "__seal_salt"
	checkKey   = "__seal_check"
	checkValue = "rottenbikes"
)

// ErrSealBroken means a sealed value could not be opened: wrong passphrase or tampering.
var ErrSealBroken = errors.New("sealed value cannot be opened")

var _ Store = (*SealedStore)(nil)

// SealedStore encrypts values at rest on top of another Store.
// Stored format: base64([12-byte nonce][AES-256-GCM ciphertext]), with the key name as AAD.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealedStore derives the value key from passphrase and a per-store salt, creating
// the salt on first use. A passphrase that does not match the one the store was sealed
// with fails with ErrSealBroken.
func NewSealedStore(ctx context.Context, inner Store, passphrase string) (*SealedStore, error) {
	salt, err := loadSalt(ctx, inner)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	s := &SealedStore{inner: inner, aead: gcm}
	if err := s.verify(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, keySize)
}

func loadSalt(ctx context.Context, inner Store) ([]byte, error) {
	encoded, ok, err := inner.Get(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	if ok {
		salt, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(salt) != saltSize {
			return nil, fmt.Errorf("decode salt: %w", ErrSealBroken)
		}
		return salt, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := inner.Set(ctx, saltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

func (s *SealedStore) verify(ctx context.Context) error {
	got, ok, err := s.get(ctx, checkKey)
	if err != nil {
		return err
	}
	if !ok {
		return s.set(ctx, checkKey, checkValue)
	}
	if got != checkValue {
		return ErrSealBroken
	}
	return nil
}

func (s *SealedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if reserved(key) {
		return "", false, ErrReservedKey
	}
	return s.get(ctx, key)
}

func (s *SealedStore) Set(ctx context.Context, key, value string) error {
	if reserved(key) {
		return ErrReservedKey
	}
	return s.set(ctx, key, value)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	if reserved(key) {
		return ErrReservedKey
	}
	return s.inner.Delete(ctx, key)
}

func (s *SealedStore) get(ctx context.Context, key string) (string, bool, error) {
	encoded, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) < nonceSize {
		return "", false, fmt.Errorf("open %q: %w", key, ErrSealBroken)
	}
	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(key))
	if err != nil {
		return "", false, fmt.Errorf("open %q: %w", key, ErrSealBroken)
	}
	return string(plaintext), true, nil
}

func (s *SealedStore) set(ctx context.Context, key, value string) error {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, nonceSize+len(value)+s.aead.Overhead())
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, []byte(value), []byte(key))

	return s.inner.Set(ctx, key, base64.StdEncoding.EncodeToString(out))
}

func reserved(key string) bool {
	return key == saltKey || key == checkKey
}
