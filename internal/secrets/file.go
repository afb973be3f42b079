// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"
)

// MasterKeyEnv names the environment variable holding the passphrase that
// unseals the secrets file.
const MasterKeyEnv = "WEFT_MASTER_KEY"

// Argon2id parameters: time=3, memory=64MB, parallelism=4.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4

	saltSize = 16

	sealedVersion = 1
)

// sealedFile is the on-disk envelope. Binary fields are base64 encoded so
// the file stays a plain YAML document.
type sealedFile struct {
	Version int    `yaml:"version"`
	Salt    string `yaml:"salt"`
	Nonce   string `yaml:"nonce"`
	Data    string `yaml:"data"`
}

// FileProvider resolves secrets from a sealed YAML file. The file is
// decrypted once when the provider is opened; Resolve never touches disk.
type FileProvider struct {
	values map[string]string
}

// OpenFile decrypts the sealed file at path with the given passphrase.
// The payload is a flat YAML map of secret name to value, encrypted with
// XChaCha20-Poly1305 under an Argon2id-derived key.
func OpenFile(path string, passphrase []byte) (*FileProvider, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var env sealedFile
	if err := yaml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if env.Version != sealedVersion {
		return nil, fmt.Errorf("secrets file version %d not supported", env.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("secrets file nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}

	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, errors.New("unsealing secrets file: wrong master key or corrupted data")
	}
	defer zeroBytes(plain)

	var values map[string]string
	if err := yaml.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("parsing unsealed secrets: %w", err)
	}
	return &FileProvider{values: values}, nil
}

// Resolve returns the named secret from the unsealed file.
func (f *FileProvider) Resolve(name string) (string, error) {
	v, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Len reports how many secrets the file held.
func (f *FileProvider) Len() int {
	return len(f.values)
}

// Seal encrypts values under a key derived from passphrase and writes the
// envelope to path with 0600 permissions. A fresh salt and nonce are drawn
// on every call, so sealing the same values twice yields different files.
// The write goes through a temp file and rename.
func Seal(path string, passphrase []byte, values map[string]string) error {
	if len(passphrase) == 0 {
		return errors.New("empty passphrase")
	}

	plain, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}
	defer zeroBytes(plain)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	env := sealedFile{
		Version: sealedVersion,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, nil)),
	}
	raw, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing secrets file: %w", err)
	}
	return nil
}

// MasterKeyFromEnv reads the sealing passphrase from WEFT_MASTER_KEY.
func MasterKeyFromEnv() ([]byte, error) {
	v := os.Getenv(MasterKeyEnv)
	if v == "" {
		return nil, fmt.Errorf("%s is not set", MasterKeyEnv)
	}
	return []byte(v), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
