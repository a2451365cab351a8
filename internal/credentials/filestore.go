package credentials

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	tokenFileName = "credential.bin"
	keyFileName   = "credential.key"
)

// FileStore keeps the credential in a local file, sealed with
// XChaCha20-Poly1305 under a key generated on first use. This stands in for
// a platform keychain on systems that do not have one.
type FileStore struct {
	dir string

	mu sync.Mutex
}

// NewFileStore creates a file-backed credential store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("credentials directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Token(ctx context.Context) (string, error) {
	cred, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

func (s *FileStore) Load(_ context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(filepath.Join(s.dir, tokenFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, nil
		}
		return Credential{}, fmt.Errorf("read credential: %w", err)
	}

	aead, err := s.aeadLocked(false)
	if err != nil {
		return Credential{}, err
	}
	if len(sealed) < aead.NonceSize() {
		return Credential{}, errors.New("credential file truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("unseal credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return cred, nil
}

func (s *FileStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	aead, err := s.aeadLocked(true)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	path := filepath.Join(s.dir, tokenFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{tokenFileName, keyFileName} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// aeadLocked loads the sealing key, generating one when create is set and no
// key exists yet.
func (s *FileStore) aeadLocked(create bool) (cipher.AEAD, error) {
	keyPath := filepath.Join(s.dir, keyFileName)
	key, err := os.ReadFile(keyPath)
	if errors.Is(err, os.ErrNotExist) && create {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0o600); err != nil {
			return nil, fmt.Errorf("write key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
