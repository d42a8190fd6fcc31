package evm

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	x402 "github.com/shoalpay/x402-facilitator"
)

// Valid BIP39 test mnemonic (DO NOT use in production).
const testMnemonic = "test test test test test test test test test test test junk"

const testPrivateKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestDeriveFromMnemonic(t *testing.T) {
	tests := []struct {
		name         string
		mnemonic     string
		accountIndex uint32
		wantErr      error
	}{
		{"valid mnemonic account 0", testMnemonic, 0, nil},
		{"valid mnemonic account 1", testMnemonic, 1, nil},
		{"invalid mnemonic", "invalid mnemonic phrase", 0, x402.ErrInvalidMnemonic},
		{"empty mnemonic", "", 0, x402.ErrInvalidMnemonic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveFromMnemonic(tt.mnemonic, tt.accountIndex)

			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("expected error %v, got nil", tt.wantErr)
				}
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key == nil {
				t.Fatal("expected private key to be set")
			}
		})
	}
}

func TestDeriveFromMnemonicDifferentAccounts(t *testing.T) {
	key0, err := DeriveFromMnemonic(testMnemonic, 0)
	if err != nil {
		t.Fatalf("failed to derive account 0: %v", err)
	}
	key1, err := DeriveFromMnemonic(testMnemonic, 1)
	if err != nil {
		t.Fatalf("failed to derive account 1: %v", err)
	}

	addr0 := crypto.PubkeyToAddress(key0.PublicKey)
	addr1 := crypto.PubkeyToAddress(key1.PublicKey)
	if addr0 == addr1 {
		t.Error("different account indices should produce different addresses")
	}
}

func TestDeriveFromMnemonicDeterministic(t *testing.T) {
	key1, err := DeriveFromMnemonic(testMnemonic, 0)
	if err != nil {
		t.Fatalf("failed to derive key1: %v", err)
	}
	key2, err := DeriveFromMnemonic(testMnemonic, 0)
	if err != nil {
		t.Fatalf("failed to derive key2: %v", err)
	}

	addr1 := crypto.PubkeyToAddress(key1.PublicKey)
	addr2 := crypto.PubkeyToAddress(key2.PublicKey)
	if addr1 != addr2 {
		t.Errorf("same mnemonic should produce same address, got %s and %s", addr1.Hex(), addr2.Hex())
	}
}

func TestLoadKeystore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "x402-keystore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	password := "testpassword123"
	privateKey, err := crypto.HexToECDSA(testPrivateKeyHex)
	if err != nil {
		t.Fatalf("failed to parse test private key: %v", err)
	}

	ks := keystore.NewKeyStore(tmpDir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		t.Fatalf("failed to create keystore: %v", err)
	}
	keystorePath := account.URL.Path

	tests := []struct {
		name         string
		keystorePath string
		password     string
		wantErr      error
	}{
		{"valid keystore with correct password", keystorePath, password, nil},
		{"valid keystore with wrong password", keystorePath, "wrongpassword", x402.ErrInvalidKeystore},
		{"non-existent keystore file", filepath.Join(tmpDir, "nonexistent.json"), password, x402.ErrInvalidKeystore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := LoadKeystore(tt.keystorePath, tt.password)

			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("expected error %v, got nil", tt.wantErr)
				}
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if crypto.PubkeyToAddress(key.PublicKey) != account.Address {
				t.Errorf("expected address %s, got %s", account.Address.Hex(), crypto.PubkeyToAddress(key.PublicKey).Hex())
			}
		})
	}
}

func TestLoadKeystoreInvalidJSON(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "x402-keystore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	invalidPath := filepath.Join(tmpDir, "invalid.json")
	if err := os.WriteFile(invalidPath, []byte("not valid json"), 0600); err != nil {
		t.Fatalf("failed to write invalid keystore: %v", err)
	}

	_, err = LoadKeystore(invalidPath, "password")
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
	if !errors.Is(err, x402.ErrInvalidKeystore) {
		t.Errorf("expected ErrInvalidKeystore, got %v", err)
	}
}

func TestLoadKeystoreMalformed(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "x402-keystore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	malformedPath := filepath.Join(tmpDir, "malformed.json")
	malformedData := map[string]interface{}{
		"crypto": map[string]interface{}{
			"cipher": "invalid",
		},
	}
	data, _ := json.Marshal(malformedData)
	if err := os.WriteFile(malformedPath, data, 0600); err != nil {
		t.Fatalf("failed to write malformed keystore: %v", err)
	}

	_, err = LoadKeystore(malformedPath, "password")
	if err == nil {
		t.Fatal("expected error for malformed keystore, got nil")
	}
	if !errors.Is(err, x402.ErrInvalidKeystore) {
		t.Errorf("expected ErrInvalidKeystore, got %v", err)
	}
}

func TestDeriveEthereumKey(t *testing.T) {
	seed := []byte("test seed for BIP32 derivation - DO NOT USE IN PRODUCTION - this is just for testing")

	key0, err := deriveEthereumKey(seed, 0)
	if err != nil {
		t.Fatalf("failed to derive key 0: %v", err)
	}
	key1, err := deriveEthereumKey(seed, 1)
	if err != nil {
		t.Fatalf("failed to derive key 1: %v", err)
	}

	addr0 := crypto.PubkeyToAddress(key0.PublicKey)
	addr1 := crypto.PubkeyToAddress(key1.PublicKey)
	if addr0 == addr1 {
		t.Error("different indices should produce different keys")
	}

	key0Again, err := deriveEthereumKey(seed, 0)
	if err != nil {
		t.Fatalf("failed to derive key 0 again: %v", err)
	}
	addr0Again := crypto.PubkeyToAddress(key0Again.PublicKey)
	if addr0 != addr0Again {
		t.Error("same seed and index should produce same key")
	}
}
