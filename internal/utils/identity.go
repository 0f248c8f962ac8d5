package utils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TerminalIdentity holds the persistent identity of this terminal
type TerminalIdentity struct {
	InstanceID string `json:"instance_id"`
	PrivateKey string `json:"private_key"` // Base64
	PublicKey  string `json:"public_key"`  // Base64
}

var currentIdentity *TerminalIdentity

// GetTerminalIdentity returns the loaded identity, loading it on first use
func GetTerminalIdentity() *TerminalIdentity {
	if currentIdentity == nil {
		_ = LoadOrGenerateTerminalIdentity()
	}
	return currentIdentity
}

// LoadOrGenerateTerminalIdentity ensures the terminal has a stable identity
// across restarts. ENV vars win, then the local file, then fresh keys.
func LoadOrGenerateTerminalIdentity() error {
	envID := os.Getenv("INSTANCE_ID")
	envPub := os.Getenv("TERMINAL_PUBLIC_KEY")
	envPriv := os.Getenv("TERMINAL_PRIVATE_KEY")

	if envID != "" && envPub != "" && envPriv != "" {
		currentIdentity = &TerminalIdentity{
			InstanceID: envID,
			PublicKey:  envPub,
			PrivateKey: envPriv,
		}
		return nil
	}

	configDir := ".kasipos"
	identityFile := filepath.Join(configDir, "terminal_identity.json")

	if data, err := os.ReadFile(identityFile); err == nil {
		var identity TerminalIdentity
		if err := json.Unmarshal(data, &identity); err == nil && identity.InstanceID != "" {
			currentIdentity = &identity
			return nil
		}
	}

	identity, err := NewTerminalIdentity(NewReference())
	if err != nil {
		return err
	}
	currentIdentity = identity

	_ = os.MkdirAll(configDir, 0755)
	data, _ := json.MarshalIndent(currentIdentity, "", "  ")
	_ = os.WriteFile(identityFile, data, 0600)

	return nil
}

// NewTerminalIdentity returns a fresh, unpersisted identity with its own
// Ed25519 keypair. The daemon persists one through
// LoadOrGenerateTerminalIdentity; tests and tools make throwaway ones.
func NewTerminalIdentity(instanceID string) (*TerminalIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}
	return &TerminalIdentity{
		InstanceID: instanceID,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// Sign signs a message with the terminal's private key
func (t *TerminalIdentity) Sign(message []byte) (string, error) {
	privBytes, err := base64.StdEncoding.DecodeString(t.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key size")
	}
	sig := ed25519.Sign(ed25519.PrivateKey(privBytes), message)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks an Ed25519 signature
func VerifySignature(publicKeyBase64 string, message []byte, signatureBase64 string) (bool, error) {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %v", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %v", err)
	}

	return ed25519.Verify(pubBytes, message, sigBytes), nil
}
