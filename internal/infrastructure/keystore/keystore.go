// Package keystore provisions the HMAC keys checkpoint signing uses.
// Keys are static, environment-supplied material; rotation happens by
// adding a key id and switching the default.
package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrKeyNotFound = errors.New("signing key not found")

// StaticKeyStore is a simple in-memory keystore.
type StaticKeyStore struct {
	keys         map[string][]byte
	defaultKeyID string
	perKindKeys  map[string]string
}

// New builds a keystore from explicit material, mainly for tests.
func New(keys map[string][]byte, defaultKeyID string) *StaticKeyStore {
	return &StaticKeyStore{
		keys:         keys,
		defaultKeyID: defaultKeyID,
		perKindKeys:  map[string]string{},
	}
}

// NewFromEnv builds a keystore from environment variables.
// SIGNING_KEYS format: "keyId:hex,keyId2:hex".
// SIGNING_DEFAULT_KEY_ID sets the default key id.
// SIGNING_KEY_FOR_KIND_<kind> overrides the key per operation kind.
func NewFromEnv() (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	raw := os.Getenv("SIGNING_KEYS")
	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New("invalid SIGNING_KEYS format")
			}
			material, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid key material for %q: %w", parts[0], err)
			}
			keys[parts[0]] = material
		}
	}

	ks := &StaticKeyStore{
		keys:         keys,
		defaultKeyID: os.Getenv("SIGNING_DEFAULT_KEY_ID"),
		perKindKeys:  map[string]string{},
	}

	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SIGNING_KEY_FOR_KIND_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) != 2 {
				continue
			}
			kind := strings.ToLower(strings.TrimPrefix(parts[0], "SIGNING_KEY_FOR_KIND_"))
			if kind != "" {
				ks.perKindKeys[kind] = parts[1]
			}
		}
	}

	return ks, nil
}

func (s *StaticKeyStore) GetKey(ctx context.Context, keyID string) ([]byte, error) {
	_ = ctx
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// GetKeyForKind resolves the key for an operation kind, falling back to
// the default key when no per-kind override exists.
func (s *StaticKeyStore) GetKeyForKind(ctx context.Context, kind string) (keyID string, key []byte, err error) {
	if kindKeyID, ok := s.perKindKeys[strings.ToLower(kind)]; ok && kindKeyID != "" {
		key, err = s.GetKey(ctx, kindKeyID)
		return kindKeyID, key, err
	}
	if s.defaultKeyID == "" {
		return "", nil, errors.New("default signing key not configured")
	}
	key, err = s.GetKey(ctx, s.defaultKeyID)
	return s.defaultKeyID, key, err
}
