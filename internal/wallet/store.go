package wallet

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Record is the persisted form of a keystore or ledger connection. The
// keystore blob stays encrypted; no plaintext key is ever stored.
type Record struct {
	Kind     Kind            `json:"kind"`
	Address  string          `json:"address"`
	Keystore json.RawMessage `json:"keystore,omitempty"`
	Account  uint32          `json:"account,omitempty"`
	Index    uint32          `json:"index,omitempty"`
}

// recordFor builds the record for a connected backend. Bridge sessions
// have none.
func recordFor(b Backend) (Record, bool) {
	switch b := b.(type) {
	case *Keystore:
		return Record{Kind: KindKeystore, Address: b.Address(), Keystore: b.Blob()}, true
	case *Ledger:
		p := b.Path()
		return Record{Kind: KindLedger, Address: b.Address(), Account: p[2], Index: p[4]}, true
	default:
		return Record{}, false
	}
}

// Details returns the connect request that replays this record
func (r Record) Details() (Details, error) {
	switch r.Kind {
	case KindKeystore:
		if len(r.Keystore) == 0 {
			return nil, fmt.Errorf("keystore record has no keystore")
		}
		return KeystoreDetails{Keystore: []byte(r.Keystore)}, nil
	case KindLedger:
		return LedgerDetails{Account: r.Account, Index: r.Index}, nil
	default:
		return nil, fmt.Errorf("%w: %q cannot be restored", ErrUnknownKind, r.Kind)
	}
}

// ConnectionStore persists the last successful connection
type ConnectionStore interface {
	// Load returns nil when nothing is stored
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, r Record) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the record in process memory
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	r := *s.rec
	return &r, nil
}

func (s *MemoryStore) Save(ctx context.Context, r Record) error {
	s.mu.Lock()
	s.rec = &r
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}

// Sealed record file format:
// [4 bytes magic] [16 bytes salt] [12 bytes nonce] [ciphertext]
var sealedMagic = []byte("JEWC")

const (
	sealSaltLen = 16

	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024 // 64 MB
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = chacha20poly1305.KeySize
)

// FileStore keeps the record in a JSON file readable only by the owner.
// With a passphrase the file is sealed with a key derived via argon2id.
type FileStore struct {
	path       string
	passphrase []byte
	mu         sync.Mutex
}

// NewFileStore returns a store at path. A nil passphrase stores plain JSON.
func NewFileStore(path string, passphrase []byte) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

// Path returns the backing file
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read connection record: %w", err)
	}

	if bytes.HasPrefix(data, sealedMagic) {
		if len(s.passphrase) == 0 {
			return nil, fmt.Errorf("connection record is sealed and no passphrase is configured")
		}
		if data, err = unseal(data, s.passphrase); err != nil {
			return nil, err
		}
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse connection record: %w", err)
	}
	return &r, nil
}

func (s *FileStore) Save(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if len(s.passphrase) > 0 {
		if data, err = seal(data, s.passphrase); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write connection record: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove connection record: %w", err)
	}
	return nil
}

func seal(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("seal record: failed to generate salt: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("seal record: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal record: failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, sealedMagic), nil
}

func unseal(data, passphrase []byte) ([]byte, error) {
	minLen := len(sealedMagic) + sealSaltLen + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
	if len(data) < minLen {
		return nil, fmt.Errorf("sealed record too short")
	}

	offset := len(sealedMagic)
	salt := data[offset : offset+sealSaltLen]
	offset += sealSaltLen
	nonce := data[offset : offset+chacha20poly1305.NonceSize]
	offset += chacha20poly1305.NonceSize

	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("unseal record: %w", err)
	}
	plain, err := aead.Open(nil, nonce, data[offset:], sealedMagic)
	if err != nil {
		return nil, fmt.Errorf("unseal record: wrong passphrase or corrupted file")
	}
	return plain, nil
}
