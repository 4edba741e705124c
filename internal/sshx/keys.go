package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// KeyPair holds the SSH identity installed on every instance and mirror.
type KeyPair struct {
	Signer         ssh.Signer
	AuthorizedKey  string // one-line authorized_keys entry for cloud-init / provider APIs
	PrivateKeyPath string
}

// LoadOrCreateKeyPair reads the private key at path, generating an ed25519
// pair on first run. The key is shared by GPU and mirror sides so failover
// does not depend on per-host key distribution.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", path, err)
		}
		return &KeyPair{
			Signer:         signer,
			AuthorizedKey:  authorizedLine(signer),
			PrivateKeyPath: path,
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "spotnest standby key")
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write private key %s: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signer from key: %w", err)
	}

	return &KeyPair{
		Signer:         signer,
		AuthorizedKey:  authorizedLine(signer),
		PrivateKeyPath: path,
	}, nil
}

func authorizedLine(signer ssh.Signer) string {
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
}
