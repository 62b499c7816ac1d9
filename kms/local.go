package kms

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// DER SubjectPublicKeyInfo header for an uncompressed secp256k1 point.
// The key service emits the same encoding.
var spkiSecp256k1Header = []byte{
	0x30, 0x56, 0x30, 0x10,
	0x06, 0x07, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01, // id-ecPublicKey
	0x06, 0x05, 0x2b, 0x81, 0x04, 0x00, 0x0a, // secp256k1
	0x03, 0x42, 0x00,
}

// LocalSigner is an in-process stand-in for the key service, backed by one
// secp256k1 private key. Used in tests and dev mode; it produces the same
// DER shapes the remote service does.
type LocalSigner struct {
	sk *btcec.PrivateKey
}

func NewLocalSigner(privkey []byte) (*LocalSigner, error) {
	sk, _ := btcec.PrivKeyFromBytes(privkey)
	return &LocalSigner{sk: sk}, nil
}

func NewRandomLocalSigner() (*LocalSigner, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{sk: sk}, nil
}

func (ls *LocalSigner) SignDigest(_ context.Context, digest [32]byte) ([]byte, error) {
	sig := btcecdsa.Sign(ls.sk, digest[:])
	return sig.Serialize(), nil
}

func (ls *LocalSigner) PublicKeyDER(_ context.Context) ([]byte, error) {
	point := ls.sk.PubKey().SerializeUncompressed()
	return append(append([]byte{}, spkiSecp256k1Header...), point...), nil
}
