package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	x402 "github.com/shoalpay/x402-facilitator"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// LoadKeystore decrypts a V3 keystore file at keystorePath with password and
// returns the facilitator's hot-wallet private key. Used at process startup
// to provision the key a SignerPort implementation signs with.
func LoadKeystore(keystorePath, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
	}

	var keyJSON struct {
		Crypto keystore.CryptoJSON `json:"crypto"`
	}
	if err := json.Unmarshal(data, &keyJSON); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKeystore)
	}

	privateKeyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", x402.ErrInvalidKeystore)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", x402.ErrInvalidKeystore)
	}

	return privateKey, nil
}

// DeriveFromMnemonic derives the facilitator's hot-wallet private key from a
// BIP-39 mnemonic at BIP-44 path m/44'/60'/0'/0/{accountIndex}.
func DeriveFromMnemonic(mnemonic string, accountIndex uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, x402.ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")

	privateKey, err := deriveEthereumKey(seed, accountIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidMnemonic, err)
	}

	return privateKey, nil
}

// deriveEthereumKey derives an Ethereum private key from a BIP-39 seed
// following BIP-44 path m/44'/60'/0'/0/{index}.
func deriveEthereumKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	key, err := masterKey.NewChildKey(bip32.FirstHardenedChild + 44) // purpose
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(bip32.FirstHardenedChild + 60) // coin type: Ethereum
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(bip32.FirstHardenedChild + 0) // account
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(0) // external chain
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(index) // address index
	if err != nil {
		return nil, err
	}

	privateKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, err
	}

	return privateKey, nil
}
