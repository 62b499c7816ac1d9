// Boundary to the hardware-backed key service. The relayer never holds the
// approval key itself; it ships 32-byte digests out and gets DER-encoded
// ECDSA signatures back.
package kms

import "context"

// DigestSigner signs raw digests with a remote (or test-local) secp256k1 key.
type DigestSigner interface {
	// SignDigest signs a 32-byte digest and returns a DER-encoded ECDSA
	// signature over secp256k1.
	SignDigest(ctx context.Context, digest [32]byte) ([]byte, error)

	// PublicKeyDER returns the signing key's public key in DER encoding.
	PublicKeyDER(ctx context.Context) ([]byte, error)
}
