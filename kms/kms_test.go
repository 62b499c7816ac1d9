package kms

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatbridge/relayer-go/common"
)

func TestLocalSignerShapes(t *testing.T) {
	ls, err := NewRandomLocalSigner()
	require.NoError(t, err)

	der, err := ls.SignDigest(context.Background(), common.RandBytes32())
	require.NoError(t, err)
	// DER ECDSA signature: SEQUENCE of two INTEGERs
	require.True(t, len(der) > 8)
	assert.Equal(t, byte(0x30), der[0])
	assert.Equal(t, byte(0x02), der[2])

	pub, err := ls.PublicKeyDER(context.Background())
	require.NoError(t, err)
	require.Len(t, pub, len(spkiSecp256k1Header)+65)
	assert.Equal(t, byte(0x04), pub[len(pub)-65])
}

func TestRemoteSigner(t *testing.T) {
	digest := common.RandBytes32()
	backing, err := NewRandomLocalSigner()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.URL.Path {
		case "/v1/sign":
			var req signRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "key-1", req.KeyID)
			assert.Equal(t, "ECDSA_SHA_256", req.Algorithm)
			assert.Equal(t, hex.EncodeToString(digest[:]), req.Digest)

			der, err := backing.SignDigest(r.Context(), digest)
			require.NoError(t, err)
			json.NewEncoder(w).Encode(signResponse{Signature: hex.EncodeToString(der)})
		case "/v1/keys/key-1/public":
			pub, err := backing.PublicKeyDER(r.Context())
			require.NoError(t, err)
			json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: hex.EncodeToString(pub)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rs := NewRemoteSigner(RemoteSignerConfig{
		ServiceURL: srv.URL,
		KeyID:      "key-1",
		AuthToken:  "token-1",
	})

	der, err := rs.SignDigest(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, byte(0x30), der[0])

	pub, err := rs.PublicKeyDER(context.Background())
	require.NoError(t, err)
	want, _ := backing.PublicKeyDER(context.Background())
	assert.Equal(t, want, pub)
}

func TestRemoteSignerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sign":
			json.NewEncoder(w).Encode(signResponse{Error: "key disabled"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	rs := NewRemoteSigner(RemoteSignerConfig{ServiceURL: srv.URL, KeyID: "key-1"})

	_, err := rs.SignDigest(context.Background(), common.RandBytes32())
	assert.ErrorContains(t, err, "key disabled")

	_, err = rs.PublicKeyDER(context.Background())
	assert.ErrorContains(t, err, "status 500")
}
