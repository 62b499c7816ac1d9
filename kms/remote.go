package kms

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

type RemoteSignerConfig struct {
	ServiceURL string // base url of the key service
	KeyID      string // identifier of the signing key
	AuthToken  string // bearer token, optional
	Timeout    time.Duration
}

// RemoteSigner talks to the key service over HTTP/JSON. Errors propagate to
// the caller uncaught; retry policy belongs to the job queue, not here.
type RemoteSigner struct {
	cfg        RemoteSignerConfig
	httpClient *http.Client
}

type signRequest struct {
	KeyID     string `json:"key_id"`
	Digest    string `json:"digest"` // hex, 32 bytes
	Algorithm string `json:"algorithm"`
}

type signResponse struct {
	Signature string `json:"signature"` // hex, DER
	Error     string `json:"error,omitempty"`
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"` // hex, DER
	Error     string `json:"error,omitempty"`
}

func NewRemoteSigner(cfg RemoteSignerConfig) *RemoteSigner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &RemoteSigner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (rs *RemoteSigner) SignDigest(ctx context.Context, digest [32]byte) ([]byte, error) {
	req := signRequest{
		KeyID:     rs.cfg.KeyID,
		Digest:    hex.EncodeToString(digest[:]),
		Algorithm: "ECDSA_SHA_256",
	}

	body, err := rs.post(ctx, "/v1/sign", req)
	if err != nil {
		return nil, err
	}

	var resp signResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed sign response from key service: %v", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("key service refused to sign: %s", resp.Error)
	}
	if resp.Signature == "" {
		return nil, fmt.Errorf("key service returned no signature")
	}

	der, err := hex.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("key service returned non-hex signature: %v", err)
	}
	return der, nil
}

func (rs *RemoteSigner) PublicKeyDER(ctx context.Context) ([]byte, error) {
	body, err := rs.get(ctx, "/v1/keys/"+rs.cfg.KeyID+"/public")
	if err != nil {
		return nil, err
	}

	var resp publicKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed public key response from key service: %v", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("key service refused public key request: %s", resp.Error)
	}
	if resp.PublicKey == "" {
		return nil, fmt.Errorf("key service returned no public key")
	}

	der, err := hex.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("key service returned non-hex public key: %v", err)
	}
	return der, nil
}

func (rs *RemoteSigner) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.cfg.ServiceURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return rs.do(req)
}

func (rs *RemoteSigner) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rs.cfg.ServiceURL+path, nil)
	if err != nil {
		return nil, err
	}
	return rs.do(req)
}

func (rs *RemoteSigner) do(req *http.Request) ([]byte, error) {
	if rs.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rs.cfg.AuthToken)
	}

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key service unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key service returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
