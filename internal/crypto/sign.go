package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalDigestHex canonicalizes v and returns the SHA-256 hex digest of the
// canonical bytes. Single source of truth for policy, decision and entry hashes.
func CanonicalDigestHex(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return DigestHex(canonical), nil
}

// SignEntryHash signs the raw bytes of a hex-encoded entry hash and returns
// the signature base64-encoded.
func SignEntryHash(privateKey ed25519.PrivateKey, entryHash string) (string, error) {
	digest, err := hex.DecodeString(entryHash)
	if err != nil {
		return "", err
	}
	if len(digest) != sha256.Size {
		return "", ErrInvalidDigestLen
	}
	sig := ed25519.Sign(privateKey, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyEntryHash checks a base64 signature over the hex-decoded entry hash.
func VerifyEntryHash(publicKey ed25519.PublicKey, entryHash string, signatureB64 string) bool {
	digest, err := hex.DecodeString(entryHash)
	if err != nil {
		return false
	}
	if len(digest) != sha256.Size {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, digest, sig)
}
