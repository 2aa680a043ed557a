// Package signer provides the signing capability used to turn an unsigned
// call into a signed extrinsic payload for a given nonce.
package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/blake2b"
)

const (
	// extrinsicVersion marks a signed extrinsic of format version 4.
	extrinsicVersion byte = 0x84

	publicKeySize = 33
	signatureSize = 65
)

// Signer signs calls on behalf of one account.
type Signer interface {
	// Address is the account the extrinsic is sent from; nonces are
	// sequenced per address.
	Address() string
	// Sign returns the encoded signed payload of call at nonce.
	Sign(ctx context.Context, call []byte, nonce uint64) ([]byte, error)
}

// KeyPair is a secp256k1 account key.
type KeyPair struct {
	privateKey *btcec.PrivateKey
	publicKey  []byte
	address    string
}

// NewKeyPair generates a random key pair.
func NewKeyPair(prefix uint16) (*KeyPair, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return newKeyPair(privateKey, prefix)
}

// KeyPairFromHex imports a hex encoded private key, with or without 0x.
func KeyPairFromHex(privateKeyHex string, prefix uint16) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key format: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	privateKey, _ := btcec.PrivKeyFromBytes(raw)
	return newKeyPair(privateKey, prefix)
}

func newKeyPair(privateKey *btcec.PrivateKey, prefix uint16) (*KeyPair, error) {
	publicKey := privateKey.PubKey().SerializeCompressed()
	accountID := blake2b.Sum256(publicKey)
	address, err := EncodeAddress(prefix, accountID[:])
	if err != nil {
		return nil, err
	}
	return &KeyPair{privateKey: privateKey, publicKey: publicKey, address: address}, nil
}

// Address implements Signer.
func (k *KeyPair) Address() string {
	return k.address
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return append([]byte(nil), k.publicKey...)
}

// ExportPrivateKey returns the private key as hex.
func (k *KeyPair) ExportPrivateKey() string {
	return hex.EncodeToString(k.privateKey.Serialize())
}

// Sign implements Signer. The payload is
//
//	compact(len) || 0x84 || pubkey(33) || sig(65) || compact(nonce) || call
//
// where sig is r || s || v over blake2b-256(call || compact(nonce)).
func (k *KeyPair) Sign(ctx context.Context, call []byte, nonce uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(call) == 0 {
		return nil, fmt.Errorf("empty call")
	}

	encodedNonce := EncodeCompact(nonce)
	digest := signingDigest(call, encodedNonce)

	compact, err := ecdsa.SignCompact(k.privateKey, digest[:], true)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// SignCompact returns v || r || s with v = 27 + 4 + recovery id.
	signature := make([]byte, 0, signatureSize)
	signature = append(signature, compact[1:]...)
	signature = append(signature, compact[0]-27-4)

	var body bytes.Buffer
	body.WriteByte(extrinsicVersion)
	body.Write(k.publicKey)
	body.Write(signature)
	body.Write(encodedNonce)
	body.Write(call)

	return append(EncodeCompact(uint64(body.Len())), body.Bytes()...), nil
}

// Payload is a decoded signed extrinsic.
type Payload struct {
	PublicKey []byte
	Signature []byte
	Nonce     uint64
	Call      []byte
}

// DecodePayload splits an encoded signed payload into its parts.
func DecodePayload(payload []byte) (*Payload, error) {
	length, n, err := DecodeCompact(payload)
	if err != nil {
		return nil, fmt.Errorf("bad length prefix: %w", err)
	}
	body := payload[n:]
	if uint64(len(body)) != length {
		return nil, fmt.Errorf("length prefix %d does not match body of %d bytes", length, len(body))
	}
	if len(body) < 1+publicKeySize+signatureSize+1 {
		return nil, fmt.Errorf("payload too short")
	}
	if body[0] != extrinsicVersion {
		return nil, fmt.Errorf("unsupported extrinsic version 0x%02x", body[0])
	}

	p := &Payload{}
	offset := 1
	p.PublicKey = body[offset : offset+publicKeySize]
	offset += publicKeySize
	p.Signature = body[offset : offset+signatureSize]
	offset += signatureSize

	nonce, n, err := DecodeCompact(body[offset:])
	if err != nil {
		return nil, fmt.Errorf("bad nonce: %w", err)
	}
	p.Nonce = nonce
	p.Call = body[offset+n:]
	return p, nil
}

// Verify checks the signature against the embedded public key.
func (p *Payload) Verify() bool {
	if len(p.Signature) != signatureSize {
		return false
	}
	compact := make([]byte, 0, signatureSize)
	compact = append(compact, p.Signature[64]+27+4)
	compact = append(compact, p.Signature[:64]...)

	digest := signingDigest(p.Call, EncodeCompact(p.Nonce))
	recovered, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return false
	}
	return bytes.Equal(recovered.SerializeCompressed(), p.PublicKey)
}

// HashPayload returns the content hash identifying a signed payload.
func HashPayload(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return "0x" + hex.EncodeToString(sum[:])
}

func signingDigest(call, encodedNonce []byte) [32]byte {
	msg := make([]byte, 0, len(call)+len(encodedNonce))
	msg = append(msg, call...)
	msg = append(msg, encodedNonce...)
	return blake2b.Sum256(msg)
}
