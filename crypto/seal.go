package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// SealedPayload is an authenticated public-key encrypted blob. All fields are
// base64 so the structure survives JSON transport untouched.
type SealedPayload struct {
	Ciphertext      string `json:"ciphertext"`
	Nonce           string `json:"nonce"`
	SenderPublicKey string `json:"senderPublicKey"`
}

// GenerateSealKeyPair returns a fresh Curve25519 keypair for sealed payloads.
func GenerateSealKeyPair() (publicKey, secretKey *[32]byte, err error) {
	publicKey, secretKey, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSealingFailed, err)
	}
	return publicKey, secretKey, nil
}

// SealPayload encrypts plaintext to the recipient public key using an
// ephemeral sender key (Curve25519 + XSalsa20-Poly1305). The ephemeral secret
// is wiped before returning.
func SealPayload(recipientPub *[32]byte, plaintext []byte) (SealedPayload, error) {
	if recipientPub == nil {
		return SealedPayload{}, fmt.Errorf("%w: missing recipient key", ErrSealingFailed)
	}
	senderPub, senderSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return SealedPayload{}, fmt.Errorf("%w: %v", ErrSealingFailed, err)
	}
	defer Zeroize(senderSec[:])

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return SealedPayload{}, fmt.Errorf("%w: %v", ErrSealingFailed, err)
	}
	sealed := box.Seal(nil, plaintext, &nonce, recipientPub, senderSec)
	return SealedPayload{
		Ciphertext:      base64.StdEncoding.EncodeToString(sealed),
		Nonce:           base64.StdEncoding.EncodeToString(nonce[:]),
		SenderPublicKey: base64.StdEncoding.EncodeToString(senderPub[:]),
	}, nil
}

// OpenPayload authenticates and decrypts a sealed payload with the recipient
// secret key.
func OpenPayload(recipientSec *[32]byte, sealed SealedPayload) ([]byte, error) {
	if recipientSec == nil {
		return nil, fmt.Errorf("%w: missing recipient key", ErrSealingFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrBadEncoding, err)
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrBadEncoding, err)
	}
	senderRaw, err := base64.StdEncoding.DecodeString(sealed.SenderPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sender key: %v", ErrBadEncoding, err)
	}
	if len(nonceRaw) != 24 || len(senderRaw) != 32 {
		return nil, fmt.Errorf("%w: wrong nonce or key length", ErrBadEncoding)
	}
	var nonce [24]byte
	var senderPub [32]byte
	copy(nonce[:], nonceRaw)
	copy(senderPub[:], senderRaw)

	plaintext, ok := box.Open(nil, ciphertext, &nonce, &senderPub, recipientSec)
	if !ok {
		return nil, ErrSealingFailed
	}
	return plaintext, nil
}
