package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	gocache "github.com/patrickmn/go-cache"
)

const (
	keyringFile    = "keyring.json"
	keyringLock    = "keyring.lock"
	keyringVersion = 1
	lockRetry      = 10 * time.Millisecond
	keyAlgorithm   = "ed25519+xchacha20poly1305"
)

// keyringData is the on-disk keyring. Keys are ordered oldest first; the
// last record without RetiredAt is the current material.
type keyringData struct {
	Version int         `json:"version"`
	Keys    []keyRecord `json:"keys"`
}

type keyRecord struct {
	ID                 string     `json:"id"`
	Algorithm          string     `json:"algorithm"`
	PublicKey          string     `json:"public_key"`           // base64
	SealedPrivateKey   string     `json:"sealed_private_key"`   // Sealer output
	SealedSymmetricKey string     `json:"sealed_symmetric_key"` // Sealer output
	SealKeyID          string     `json:"seal_key_id"`
	CreatedAt          time.Time  `json:"created_at"`
	RetiredAt          *time.Time `json:"retired_at,omitempty"`
}

// KeyInfo is the public view of one keyring record.
type KeyInfo struct {
	ID        string     `json:"id"`
	Algorithm string     `json:"algorithm"`
	PublicKey []byte     `json:"public_key"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
	Active    bool       `json:"active"`
}

// Options tunes a Store. Zero values select defaults.
type Options struct {
	// Entropy is the randomness source for key generation (default crypto/rand).
	Entropy io.Reader

	// CacheTTL bounds how long unsealed retired material stays in memory
	// (default 10 minutes).
	CacheTTL time.Duration
}

// Store publishes the current KeyMaterial and keeps every generation in a
// sealed keyring file so entries written under retired keys stay readable.
//
// Current is lock-free. Rotate serialises only the keyring write and the
// pointer swap; generation and sealing run unlocked. The keyring
// read-modify-write also holds an exclusive file lock, so several
// processes can share one key directory without losing records.
type Store struct {
	dir     string
	sealer  Sealer
	entropy io.Reader

	current   atomic.Pointer[KeyMaterial]
	publishMu sync.Mutex
	fileLock  *flock.Flock

	// Unsealed material by key ID.
	cache *gocache.Cache
}

// Open loads the keyring in dir, provisioning fresh material on first boot.
func Open(ctx context.Context, dir string, sealer Sealer, opts Options) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("keystore: sealer is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory %s: %w", dir, err)
	}

	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}

	s := &Store{
		dir:      dir,
		sealer:   sealer,
		entropy:  opts.Entropy,
		cache:    gocache.New(opts.CacheTTL, opts.CacheTTL),
		fileLock: flock.New(filepath.Join(dir, keyringLock)),
	}

	ring, err := s.readKeyring()
	if err != nil {
		return nil, err
	}

	active := ring.active()
	if active == nil {
		// First boot: nothing to load, so generate and persist.
		km, err := s.provision(ctx)
		if err != nil {
			return nil, fmt.Errorf("provisioning initial key material: %w", err)
		}
		s.current.Store(km)
		slog.Info("key material provisioned", "key_id", km.ID(), "dir", dir)
		return s, nil
	}

	km, err := s.unsealRecord(ctx, active)
	if err != nil {
		return nil, fmt.Errorf("loading current key material: %w", err)
	}
	s.current.Store(km)

	slog.Info("key material loaded", "key_id", km.ID(), "created_at", km.CreatedAt(), "keys", len(ring.Keys))
	return s, nil
}

// Current returns the published snapshot. The returned value stays valid
// for the caller even if a rotation happens meanwhile.
func (s *Store) Current() *KeyMaterial {
	return s.current.Load()
}

// Rotate generates new material, records it in the keyring, and publishes
// it. On any failure the previous material remains current.
func (s *Store) Rotate(ctx context.Context) (*KeyMaterial, error) {
	km, err := Generate(s.entropy)
	if err != nil {
		return nil, err
	}

	rec, err := s.sealRecord(ctx, km)
	if err != nil {
		return nil, err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock, err := s.lockKeyring(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ring, err := s.readKeyring()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range ring.Keys {
		if ring.Keys[i].RetiredAt == nil {
			ring.Keys[i].RetiredAt = &now
		}
	}
	ring.Keys = append(ring.Keys, *rec)
	if err := s.writeKeyring(ring); err != nil {
		return nil, err
	}

	prev := s.current.Swap(km)
	if prev != nil {
		s.cache.SetDefault(prev.ID(), prev)
		slog.Info("key material rotated", "key_id", km.ID(), "previous_key_id", prev.ID())
	}
	return km, nil
}

// provision creates the first key material. If another process provisioned
// the keyring in the meantime, its active material is loaded instead.
func (s *Store) provision(ctx context.Context) (*KeyMaterial, error) {
	km, err := Generate(s.entropy)
	if err != nil {
		return nil, err
	}
	rec, err := s.sealRecord(ctx, km)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockKeyring(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ring, err := s.readKeyring()
	if err != nil {
		return nil, err
	}
	if active := ring.active(); active != nil {
		return s.unsealRecord(ctx, active)
	}
	ring.Keys = append(ring.Keys, *rec)
	if err := s.writeKeyring(ring); err != nil {
		return nil, err
	}
	return km, nil
}

// lockKeyring takes the exclusive keyring file lock, waiting until it is
// free or ctx is done.
func (s *Store) lockKeyring(ctx context.Context) (func(), error) {
	locked, err := s.fileLock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("locking keyring: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("locking keyring: %w", context.Cause(ctx))
	}
	return func() {
		if err := s.fileLock.Unlock(); err != nil {
			slog.Warn("keyring unlock failed", "error", err)
		}
	}, nil
}

// Lookup returns the material with the given ID, unsealing it from the
// keyring if it is not current.
func (s *Store) Lookup(ctx context.Context, id string) (*KeyMaterial, error) {
	if cur := s.Current(); cur != nil && cur.ID() == id {
		return cur, nil
	}
	if v, ok := s.cache.Get(id); ok {
		return v.(*KeyMaterial), nil
	}

	ring, err := s.readKeyring()
	if err != nil {
		return nil, err
	}
	for i := range ring.Keys {
		if ring.Keys[i].ID != id {
			continue
		}
		km, err := s.unsealRecord(ctx, &ring.Keys[i])
		if err != nil {
			return nil, err
		}
		s.cache.SetDefault(id, km)
		return km, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
}

// List returns public information for every key in the keyring, oldest
// first. Nothing is unsealed.
func (s *Store) List() ([]KeyInfo, error) {
	ring, err := s.readKeyring()
	if err != nil {
		return nil, err
	}
	active := ring.active()

	infos := make([]KeyInfo, 0, len(ring.Keys))
	for i := range ring.Keys {
		r := &ring.Keys[i]
		pub, err := base64.StdEncoding.DecodeString(r.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("key %s: decoding public key: %w", r.ID, err)
		}
		infos = append(infos, KeyInfo{
			ID:        r.ID,
			Algorithm: r.Algorithm,
			PublicKey: pub,
			CreatedAt: r.CreatedAt,
			RetiredAt: r.RetiredAt,
			Active:    active != nil && r.ID == active.ID,
		})
	}
	return infos, nil
}

func (s *Store) sealRecord(ctx context.Context, km *KeyMaterial) (*keyRecord, error) {
	sealedPriv, err := s.sealer.Seal(ctx, km.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}
	sealedSym, err := s.sealer.Seal(ctx, km.symmetricKey)
	if err != nil {
		return nil, fmt.Errorf("sealing symmetric key: %w", err)
	}
	return &keyRecord{
		ID:                 km.id,
		Algorithm:          keyAlgorithm,
		PublicKey:          base64.StdEncoding.EncodeToString(km.publicKey),
		SealedPrivateKey:   sealedPriv,
		SealedSymmetricKey: sealedSym,
		SealKeyID:          s.sealer.KeyID(),
		CreatedAt:          km.createdAt,
	}, nil
}

func (s *Store) unsealRecord(ctx context.Context, r *keyRecord) (*KeyMaterial, error) {
	priv, err := s.sealer.Unseal(ctx, r.SealedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("key %s: private key: %w", r.ID, err)
	}
	sym, err := s.sealer.Unseal(ctx, r.SealedSymmetricKey)
	if err != nil {
		return nil, fmt.Errorf("key %s: symmetric key: %w", r.ID, err)
	}
	pub, err := base64.StdEncoding.DecodeString(r.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("key %s: decoding public key: %w", r.ID, err)
	}
	return restoreMaterial(r.ID, sym, priv, pub, r.CreatedAt)
}

func (s *Store) path() string {
	return filepath.Join(s.dir, keyringFile)
}

func (s *Store) readKeyring() (*keyringData, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &keyringData{Version: keyringVersion}, nil
		}
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	var ring keyringData
	if err := json.Unmarshal(data, &ring); err != nil {
		return nil, fmt.Errorf("parsing keyring %s: %w", s.path(), err)
	}
	if ring.Version != keyringVersion {
		return nil, fmt.Errorf("keyring %s: unsupported version %d", s.path(), ring.Version)
	}
	return &ring, nil
}

// writeKeyring replaces the keyring atomically: write tmp, fsync, rename.
func (s *Store) writeKeyring(ring *keyringData) error {
	data, err := json.MarshalIndent(ring, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling keyring: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, keyringFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating keyring temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing keyring: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing keyring: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing keyring: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod keyring: %w", err)
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		return fmt.Errorf("replacing keyring: %w", err)
	}
	return nil
}

// active returns the newest record that has not been retired.
func (r *keyringData) active() *keyRecord {
	for i := len(r.Keys) - 1; i >= 0; i-- {
		if r.Keys[i].RetiredAt == nil {
			return &r.Keys[i]
		}
	}
	return nil
}
