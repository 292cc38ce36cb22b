package hsmgateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"custodycore/internal/custodyerr"
)

// RemoteConfig captures the parameters required to establish an mTLS session
// with an external HSM proxy, the production counterpart to Fake.
type RemoteConfig struct {
	BaseURL    string
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
}

// RemoteClient implements Gateway over an mTLS-authenticated HTTP client,
// adapted from the OTC gateway's HSM signer client but generalized from a
// single fixed signing key to the full create/derive/preview/authorize/
// sign/destroy operation set.
type RemoteClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewRemoteClient builds an HSM client using the supplied configuration.
func NewRemoteClient(cfg RemoteConfig) (*RemoteClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("hsmgateway: base url required")
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

func buildTLSConfig(cfg RemoteConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("hsmgateway: load client certificate: %w", err)
	}
	rootPool, err := loadCACert(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootPool,
	}, nil
}

func loadCACert(certPath string) (*x509.CertPool, error) {
	if strings.TrimSpace(certPath) == "" {
		return nil, fmt.Errorf("hsmgateway: ca certificate required")
	}
	pemBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("hsmgateway: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("hsmgateway: failed to append ca certificate %s", certPath)
	}
	return pool, nil
}

func (c *RemoteClient) post(ctx context.Context, endpoint string, payload any, out any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return custodyerr.Wrap(custodyerr.KindInputInvalid, "encode request", err)
	}
	url := c.baseURL + path.Clean("/"+endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return custodyerr.Wrap(custodyerr.KindHSMUnavailable, ReasonUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return custodyerr.Wrap(custodyerr.KindHSMUnavailable, ReasonUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errHSMUnavailable(ReasonUnavailable)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		reason := apiErr.Reason
		if reason == "" {
			reason = fmt.Sprintf("status=%d", resp.StatusCode)
		}
		return errHSMDenied(reason)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return custodyerr.Wrap(custodyerr.KindHSMUnavailable, "decode response", err)
	}
	return nil
}

// CreatePartition implements Gateway.
func (c *RemoteClient) CreatePartition(ctx context.Context, partitionID string) error {
	return c.post(ctx, "/partitions", struct {
		PartitionID string `json:"partitionId"`
	}{PartitionID: partitionID}, nil)
}

type derivedKeyResponse struct {
	KeyID             string `json:"keyId"`
	PublicKey         string `json:"publicKey"`
	DerivationVersion int    `json:"derivationVersion"`
}

// DeriveKey implements Gateway.
func (c *RemoteClient) DeriveKey(ctx context.Context, parentKeyID KeyID, pathSuffix string, class Class) (DerivedKey, error) {
	var resp derivedKeyResponse
	err := c.post(ctx, "/keys/derive", struct {
		ParentKeyID string `json:"parentKeyId"`
		PathSuffix  string `json:"pathSuffix"`
		Class       string `json:"class"`
	}{ParentKeyID: string(parentKeyID), PathSuffix: pathSuffix, Class: string(class)}, &resp)
	if err != nil {
		return DerivedKey{}, err
	}
	pub, decodeErr := hex.DecodeString(resp.PublicKey)
	if decodeErr != nil || len(pub) != ed25519.PublicKeySize {
		return DerivedKey{}, custodyerr.Wrap(custodyerr.KindHSMUnavailable, "invalid public key in response", decodeErr)
	}
	return DerivedKey{KeyID: KeyID(resp.KeyID), PublicKey: pub, DerivationVersion: resp.DerivationVersion}, nil
}

// PreviewPublicKey implements Gateway.
func (c *RemoteClient) PreviewPublicKey(ctx context.Context, parentKeyID KeyID, pathSuffix string) (ed25519.PublicKey, error) {
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	err := c.post(ctx, "/keys/preview", struct {
		ParentKeyID string `json:"parentKeyId"`
		PathSuffix  string `json:"pathSuffix"`
	}{ParentKeyID: string(parentKeyID), PathSuffix: pathSuffix}, &resp)
	if err != nil {
		return nil, err
	}
	pub, decodeErr := hex.DecodeString(resp.PublicKey)
	if decodeErr != nil || len(pub) != ed25519.PublicKeySize {
		return nil, custodyerr.Wrap(custodyerr.KindHSMUnavailable, "invalid public key in response", decodeErr)
	}
	return pub, nil
}

// AuthorizeRelease implements Gateway.
func (c *RemoteClient) AuthorizeRelease(ctx context.Context, partitionID string, keyID KeyID, approverID string, oneTimeCode string, purpose string) (ReleaseID, time.Time, error) {
	var resp struct {
		ReleaseID string    `json:"releaseId"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := c.post(ctx, "/release", struct {
		PartitionID string `json:"partitionId"`
		KeyID       string `json:"keyId"`
		ApproverID  string `json:"approverId"`
		Code        string `json:"code"`
		Purpose     string `json:"purpose"`
	}{PartitionID: partitionID, KeyID: string(keyID), ApproverID: approverID, Code: oneTimeCode, Purpose: purpose}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	return ReleaseID(resp.ReleaseID), resp.ExpiresAt, nil
}

// Sign implements Gateway.
func (c *RemoteClient) Sign(ctx context.Context, releaseID ReleaseID, keyID KeyID, digest [32]byte) ([ed25519.SignatureSize]byte, error) {
	var out [ed25519.SignatureSize]byte
	var resp struct {
		Signature string `json:"signature"`
	}
	err := c.post(ctx, "/sign", struct {
		ReleaseID string `json:"releaseId"`
		KeyID     string `json:"keyId"`
		Digest    string `json:"digest"`
	}{ReleaseID: string(releaseID), KeyID: string(keyID), Digest: hex.EncodeToString(digest[:])}, &resp)
	if err != nil {
		return out, err
	}
	sig, decodeErr := hex.DecodeString(strings.TrimPrefix(resp.Signature, "0x"))
	if decodeErr != nil || len(sig) != ed25519.SignatureSize {
		return out, custodyerr.Wrap(custodyerr.KindHSMUnavailable, "invalid signature in response", decodeErr)
	}
	copy(out[:], sig)
	return out, nil
}

// Destroy implements Gateway.
func (c *RemoteClient) Destroy(ctx context.Context, keyID KeyID, reason string) error {
	return c.post(ctx, "/keys/destroy", struct {
		KeyID  string `json:"keyId"`
		Reason string `json:"reason"`
	}{KeyID: string(keyID), Reason: reason}, nil)
}

// IsDestroyed implements Gateway.
func (c *RemoteClient) IsDestroyed(ctx context.Context, keyID KeyID) (bool, error) {
	var resp struct {
		Destroyed bool `json:"destroyed"`
	}
	err := c.post(ctx, "/keys/status", struct {
		KeyID string `json:"keyId"`
	}{KeyID: string(keyID)}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Destroyed, nil
}

var _ Gateway = (*RemoteClient)(nil)
