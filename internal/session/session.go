// Package session persists the authenticated session (bearer token and
// identity) encrypted at rest, keyed off the machine identity.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

type Session struct {
	APIURL    string `json:"api_url"`
	SocketURL string `json:"socket_url"`
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
}

func GetConfigDir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "offerta-chat", profileName)
}

// sealKey derives the at-rest key from the machine id, falling back to the
// hostname. The session file is only useful on the machine that wrote it.
func sealKey() []byte {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	var id string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			id = strings.TrimSpace(string(data))
			break
		}
	}

	if id == "" {
		hostname, _ := os.Hostname()
		id = hostname
	}

	hash := sha256.Sum256([]byte(id))
	return hash[:]
}

func encrypt(data []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(sealKey())
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(sealKey())
	if err != nil {
		return nil, err
	}

	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Load reads the session for the profile, migrating a plaintext file from
// older builds to the encrypted form.
func Load(profileName string) *Session {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(configDir, "session.json"))
	if err != nil {
		return nil
	}

	decrypted, err := decrypt(string(data))
	if err != nil {
		var sess Session
		if err := json.Unmarshal(data, &sess); err == nil {
			Save(profileName, sess)
			return &sess
		}
		return nil
	}

	var sess Session
	if err := json.Unmarshal(decrypted, &sess); err != nil {
		return nil
	}
	return &sess
}

func Save(profileName string, sess Session) error {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return fmt.Errorf("could not get config directory")
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	encrypted, err := encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "session.json"), []byte(encrypted), 0600)
}

func Clear(profileName string) {
	configDir := GetConfigDir(profileName)
	if configDir != "" {
		os.Remove(filepath.Join(configDir, "session.json"))
	}
}
