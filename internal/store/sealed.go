// ABOUTME: Store decorator that encrypts agent passwords and tokens at rest
// ABOUTME: Uses NaCl secretbox with a key derived from a passphrase via HKDF

package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sealed:v1:"

// ErrUnseal is returned when a sealed value cannot be decrypted with the
// configured key
var ErrUnseal = errors.New("cannot unseal value (wrong secret key?)")

// Sealer encrypts short secrets with a fixed key
type Sealer struct {
	key [32]byte
}

// NewSealer derives a sealing key from passphrase
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("secret key is empty")
	}
	var s Sealer
	kdf := hkdf.New(sha256.New, []byte(passphrase), []byte("beacon-orchestrator"), []byte("agent-credentials"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return &s, nil
}

// Seal encrypts plaintext. Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged so plaintext stores can be migrated in place.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil || len(raw) < 24 {
		return "", ErrUnseal
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrUnseal
	}
	return string(out), nil
}

// SealedStore wraps a Store and seals agent credentials before they reach it
type SealedStore struct {
	Store
	sealer *Sealer
}

// NewSealedStore wraps inner so agent passwords and tokens are encrypted
// with a key derived from passphrase
func NewSealedStore(inner Store, passphrase string) (*SealedStore, error) {
	sealer, err := NewSealer(passphrase)
	if err != nil {
		return nil, err
	}
	return &SealedStore{Store: inner, sealer: sealer}, nil
}

// Sync flushes the wrapped store
func (s *SealedStore) Sync(ctx context.Context) error {
	return Sync(ctx, s.Store)
}

// SaveAgent seals credentials and stores the agent
func (s *SealedStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	sealed := *agent
	var err error
	if sealed.Password, err = s.sealer.Seal(agent.Password); err != nil {
		return fmt.Errorf("sealing password: %w", err)
	}
	if sealed.Token, err = s.sealer.Seal(agent.Token); err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}
	if err := s.Store.SaveAgent(ctx, &sealed); err != nil {
		return err
	}
	agent.AddedAt = sealed.AddedAt
	agent.UpdatedAt = sealed.UpdatedAt
	return nil
}

// GetAgent loads and unseals an agent
func (s *SealedStore) GetAgent(ctx context.Context, address string) (*AgentRecord, error) {
	agent, err := s.Store.GetAgent(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.open(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents loads and unseals every agent
func (s *SealedStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	agents, err := s.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if err := s.open(a); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

func (s *SealedStore) open(agent *AgentRecord) error {
	var err error
	if agent.Password, err = s.sealer.Open(agent.Password); err != nil {
		return fmt.Errorf("agent %s password: %w", agent.Address, err)
	}
	if agent.Token, err = s.sealer.Open(agent.Token); err != nil {
		return fmt.Errorf("agent %s token: %w", agent.Address, err)
	}
	return nil
}
