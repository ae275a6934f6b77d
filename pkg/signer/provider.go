package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const (
	// keySetFile is the metadata file describing the key set in a key
	// directory.
	keySetFile = "keyset.yaml"

	// lockFile guards concurrent generate-and-persist so two processes
	// sharing a key directory agree on the key set.
	lockFile = ".keys.lock"

	// maxRetainedKeys is how many retired keys stay in the JWKS after a
	// rotation. Older keys are removed from the set; tokens they signed
	// stop verifying, which is acceptable once their TTL has elapsed.
	maxRetainedKeys = 3

	// rsaKeyBits is the modulus size for generated RS256 keys.
	rsaKeyBits = 2048
)

// keySetMeta is the on-disk metadata for a FileStore directory.
type keySetMeta struct {
	Active string       `yaml:"active"`
	Keys   []keyMetaRef `yaml:"keys"`
}

type keyMetaRef struct {
	KeyID     string    `yaml:"kid"`
	File      string    `yaml:"file"`
	CreatedAt time.Time `yaml:"created_at"`
}

// StaticProvider serves a fixed key. Intended for tests and single-key
// deployments where the operator manages rotation externally.
type StaticProvider struct {
	key *SigningKeyData
}

// NewStaticProvider wraps an existing private key.
func NewStaticProvider(key crypto.Signer) (*StaticProvider, error) {
	data, err := newSigningKeyData(key)
	if err != nil {
		return nil, err
	}
	return &StaticProvider{key: data}, nil
}

// SigningKey returns the wrapped key.
func (p *StaticProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.key.clone(), nil
}

// PublicKeys returns the single public key.
func (p *StaticProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return []*PublicKeyData{p.key.public()}, nil
}

// FileProvider loads signing keys from PEM files. The first file is the
// signing key; the rest are fallback keys kept in the JWKS for verification.
// Keys are loaded once at construction; changes require restart.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider loads the signing key and fallback keys from keyDir.
func NewFileProvider(keyDir, signingKeyFile string, fallbackKeyFiles []string) (*FileProvider, error) {
	if signingKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(filepath.Join(keyDir, signingKeyFile))
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}
	for _, filename := range fallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(keyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("loading fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{signingKey: signingKey, allKeys: allKeys}, nil
}

// SigningKey returns the primary signing key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.signingKey.clone(), nil
}

// PublicKeys returns public keys for every loaded key, signing key first.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, key.public())
	}
	return pubKeys, nil
}

// FileStore manages a self-maintained key directory: it generates an RSA
// key on first boot, persists it as PKCS8 PEM next to a keyset.yaml
// manifest, and supports rotation that demotes the active key to a fallback.
// Generation and rotation run under a file lock so concurrent processes
// sharing the directory agree on the key set.
type FileStore struct {
	dir string

	mu     sync.RWMutex
	active *SigningKeyData
	// fallback holds retired keys, newest first.
	fallback []*SigningKeyData
}

// NewFileStore opens (or initializes) a key directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("key directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	s := &FileStore{dir: dir}

	lock := flock.New(filepath.Join(dir, lockFile))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking key directory: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	meta, err := s.readMeta()
	if err != nil {
		return nil, err
	}
	if meta == nil {
		// First boot: generate and persist the initial key.
		if _, err := s.generateAndPersistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.loadLocked(meta); err != nil {
		return nil, err
	}
	return s, nil
}

// SigningKey returns the active key.
func (s *FileStore) SigningKey(_ context.Context) (*SigningKeyData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil, fmt.Errorf("no signing key loaded")
	}
	return s.active.clone(), nil
}

// PublicKeys returns the active key followed by retained fallback keys.
func (s *FileStore) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil, fmt.Errorf("no signing key loaded")
	}
	keys := []*PublicKeyData{s.active.public()}
	for _, k := range s.fallback {
		keys = append(keys, k.public())
	}
	return keys, nil
}

// Rotate generates a fresh active key and demotes the current one to a
// fallback. Keys beyond the retention window are removed from the manifest
// and deleted from disk.
func (s *FileStore) Rotate(_ context.Context) (*PublicKeyData, error) {
	lock := flock.New(filepath.Join(s.dir, lockFile))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking key directory: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	key, err := s.generateAndPersistLocked()
	if err != nil {
		return nil, err
	}
	return key.public(), nil
}

// generateAndPersistLocked creates a new key, writes it to disk, and
// rewrites the manifest. Callers must hold the directory lock.
func (s *FileStore) generateAndPersistLocked() (*SigningKeyData, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}

	data, err := newSigningKeyData(priv)
	if err != nil {
		return nil, err
	}

	pemBytes, err := encodePEMSigner(priv)
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(s.dir, data.KeyID+".pem")
	if err := os.WriteFile(keyPath, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.fallback = append([]*SigningKeyData{s.active}, s.fallback...)
	}
	s.active = data

	// Prune keys beyond the retention window.
	if len(s.fallback) > maxRetainedKeys {
		for _, old := range s.fallback[maxRetainedKeys:] {
			_ = os.Remove(filepath.Join(s.dir, old.KeyID+".pem"))
		}
		s.fallback = s.fallback[:maxRetainedKeys]
	}

	return data, s.writeMetaLocked()
}

// loadLocked loads every key named in the manifest. Callers must hold the
// directory lock.
func (s *FileStore) loadLocked(meta *keySetMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active *SigningKeyData
	var fallback []*SigningKeyData
	for _, ref := range meta.Keys {
		key, err := loadKeyFromFile(filepath.Join(s.dir, ref.File))
		if err != nil {
			return fmt.Errorf("loading key %s: %w", ref.KeyID, err)
		}
		key.CreatedAt = ref.CreatedAt
		if ref.KeyID == meta.Active {
			active = key
		} else {
			fallback = append(fallback, key)
		}
	}
	if active == nil {
		return fmt.Errorf("manifest names active key %s but it was not loaded", meta.Active)
	}

	// Newest retired keys first so the JWKS ordering matches rotation order.
	sort.Slice(fallback, func(i, j int) bool {
		return fallback[i].CreatedAt.After(fallback[j].CreatedAt)
	})

	s.active = active
	s.fallback = fallback
	return nil
}

func (s *FileStore) readMeta() (*keySetMeta, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, keySetFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key manifest: %w", err)
	}
	var meta keySetMeta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing key manifest: %w", err)
	}
	return &meta, nil
}

// writeMetaLocked rewrites keyset.yaml from in-memory state. Callers must
// hold both the directory lock and s.mu.
func (s *FileStore) writeMetaLocked() error {
	meta := keySetMeta{Active: s.active.KeyID}
	for _, key := range append([]*SigningKeyData{s.active}, s.fallback...) {
		meta.Keys = append(meta.Keys, keyMetaRef{
			KeyID:     key.KeyID,
			File:      key.KeyID + ".pem",
			CreatedAt: key.CreatedAt,
		})
	}

	raw, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encoding key manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, keySetFile), raw, 0600); err != nil {
		return fmt.Errorf("writing key manifest: %w", err)
	}
	return nil
}

// loadKeyFromFile loads one PEM key and derives its metadata.
func loadKeyFromFile(keyPath string) (*SigningKeyData, error) {
	key, err := loadPEMSigner(keyPath)
	if err != nil {
		return nil, err
	}
	return newSigningKeyData(key)
}

// newSigningKeyData derives the key ID and algorithm for a private key.
func newSigningKeyData(key crypto.Signer) (*SigningKeyData, error) {
	keyID, err := deriveKeyID(key)
	if err != nil {
		return nil, err
	}
	alg, err := deriveAlgorithm(key)
	if err != nil {
		return nil, err
	}
	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: string(alg),
		Key:       key,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Compile-time interface checks.
var (
	_ KeyProvider = (*StaticProvider)(nil)
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*FileStore)(nil)
)
