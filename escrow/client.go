package escrow

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"hypertuna/crypto"
)

const (
	// HeaderClientID identifies the signing client on every escrow request.
	HeaderClientID = "X-Escrow-Client-Id"
	// HeaderTimestamp is the millisecond unix timestamp used in the signature.
	HeaderTimestamp = "X-Escrow-Timestamp"
	// HeaderSignature carries the hex HMAC-SHA256 request signature.
	HeaderSignature = "X-Escrow-Signature"

	defaultRequestTimeout = 10 * time.Second
	maxResponseBody       = 1 << 20
	retryBaseDelay        = 200 * time.Millisecond
)

// ClientConfig captures the settings for the signed escrow REST client.
type ClientConfig struct {
	BaseURL        string
	ClientID       string
	Secret         []byte
	RequestTimeout time.Duration

	// mTLS material; all optional. InsecureSkipVerify is the inverse of the
	// service's rejectUnauthorized switch.
	ClientCAFile       string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Client signs and issues requests against the remote escrow service.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewClient validates the configuration and builds the HTTP client, loading
// TLS material when configured.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("escrow: base URL required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("escrow: client id required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("escrow: signing secret required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{}
	if cfg.CertFile != "" || cfg.KeyFile != "" || cfg.ClientCAFile != "" || cfg.InsecureSkipVerify {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("escrow: load client keypair: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		if cfg.ClientCAFile != "" {
			pem, err := os.ReadFile(cfg.ClientCAFile)
			if err != nil {
				return nil, fmt.Errorf("escrow: read client CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.New("escrow: client CA contains no certificates")
			}
			tlsCfg.RootCAs = pool
		}
		transport.TLSClientConfig = tlsCfg
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		logger: logger.With(slog.String("component", "escrow_client")),
		nowFn:  time.Now,
	}, nil
}

// DepositRequest persists a sealed writer key on the escrow service.
type DepositRequest struct {
	EscrowID           string               `json:"escrowId"`
	SealedWriterKey    crypto.SealedPayload `json:"sealedWriterKey"`
	RecipientPublicKey string               `json:"recipientPublicKey"`
	Policy             *Policy              `json:"policy,omitempty"`
}

// DepositResponse reports the deposit outcome.
type DepositResponse struct {
	Status DepositStatus `json:"status"`
}

// UnlockRequest asks the escrow service to release a writer key.
type UnlockRequest struct {
	EscrowID    string `json:"escrowId"`
	RequesterID string `json:"requesterId"`
	Evidence    string `json:"evidence,omitempty"`
}

// RevokeRequest marks a deposit revoked.
type RevokeRequest struct {
	EscrowID string `json:"escrowId"`
	Reason   string `json:"reason,omitempty"`
}

// leaseWire is the JSON shape the escrow service uses for leases; the writer
// key travels base64-encoded.
type leaseWire struct {
	LeaseID       string    `json:"leaseId"`
	RelayKey      string    `json:"relayKey"`
	EscrowID      string    `json:"escrowId"`
	RequesterID   string    `json:"requesterId"`
	OwnerPeerKey  string    `json:"ownerPeerKey"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Evidence      string    `json:"evidence,omitempty"`
	WriterPackage struct {
		WriterKey       string `json:"writerKey,omitempty"`
		WriterKeyDigest string `json:"writerKeyDigest"`
	} `json:"writerPackage"`
	PayloadDigest string `json:"payloadDigest,omitempty"`
}

func (w leaseWire) toLease() (Lease, error) {
	lease := Lease{
		LeaseID:      w.LeaseID,
		RelayKey:     w.RelayKey,
		EscrowID:     w.EscrowID,
		RequesterID:  w.RequesterID,
		OwnerPeerKey: w.OwnerPeerKey,
		IssuedAt:     w.IssuedAt,
		ExpiresAt:    w.ExpiresAt,
		Evidence:     w.Evidence,
	}
	lease.Writer.WriterKeyDigest = w.WriterPackage.WriterKeyDigest
	if w.WriterPackage.WriterKey != "" {
		raw, err := base64.StdEncoding.DecodeString(w.WriterPackage.WriterKey)
		if err != nil {
			return Lease{}, fmt.Errorf("escrow: decode writer key: %w", err)
		}
		lease.Writer.WriterKey = raw
		lease.PayloadDigest = ComputePayloadDigest(raw, lease.Writer.WriterKeyDigest)
	} else {
		lease.PayloadDigest = w.PayloadDigest
	}
	return lease, nil
}

// FetchPolicy retrieves the escrow lease policy.
func (c *Client) FetchPolicy(ctx context.Context) (Policy, error) {
	var wire struct {
		MaxLeaseDurationMs int64  `json:"maxLeaseDurationMs"`
		RenewBeforeMs      int64  `json:"renewBeforeMs"`
		MaxActiveLeases    int    `json:"maxActiveLeases"`
		RequireEvidence    bool   `json:"requireEvidence"`
		AcceptedSealSchema string `json:"acceptedSealSchema"`
	}
	if err := c.do(ctx, http.MethodGet, "/policy", nil, &wire); err != nil {
		return Policy{}, err
	}
	return Policy{
		MaxLeaseDuration:   time.Duration(wire.MaxLeaseDurationMs) * time.Millisecond,
		RenewBefore:        time.Duration(wire.RenewBeforeMs) * time.Millisecond,
		MaxActiveLeases:    wire.MaxActiveLeases,
		RequireEvidence:    wire.RequireEvidence,
		AcceptedSealSchema: wire.AcceptedSealSchema,
	}, nil
}

// Deposit persists a sealed writer key server-side.
func (c *Client) Deposit(ctx context.Context, req DepositRequest) (DepositResponse, error) {
	var resp DepositResponse
	if err := c.do(ctx, http.MethodPost, "/", req, &resp); err != nil {
		return DepositResponse{}, err
	}
	return resp, nil
}

// Unlock releases the writer key for an escrow deposit. The returned lease
// carries the raw key bytes; the caller must hand it to the vault immediately.
func (c *Client) Unlock(ctx context.Context, req UnlockRequest) (Lease, error) {
	var wire leaseWire
	if err := c.do(ctx, http.MethodPost, "/unlock", req, &wire); err != nil {
		return Lease{}, err
	}
	return wire.toLease()
}

// Revoke marks a deposit revoked on the escrow service.
func (c *Client) Revoke(ctx context.Context, req RevokeRequest) error {
	return c.do(ctx, http.MethodPost, "/revoke", req, nil)
}

// ListLeases returns the server's view of active leases for reconciliation.
// Writer keys are never present in list responses.
func (c *Client) ListLeases(ctx context.Context) ([]Lease, error) {
	var wires []leaseWire
	if err := c.do(ctx, http.MethodGet, "/leases", nil, &wires); err != nil {
		return nil, err
	}
	leases := make([]Lease, 0, len(wires))
	for _, w := range wires {
		lease, err := w.toLease()
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// do signs and issues one request, retrying transient failures with
// exponential backoff until the context deadline runs out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	attempt := 0
	for {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		transient := errors.As(err, &statusErr) && statusErr.Transient()
		if !transient {
			// Network-level failures (no HTTP status) are also retryable.
			transient = !errors.As(err, &statusErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
		if !transient {
			return err
		}
		attempt++
		delay := retryBaseDelay << uint(attempt-1)
		c.logger.Warn("escrow request failed, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	signBody := body
	if signBody == nil {
		signBody = map[string]interface{}{}
	}
	ts := c.nowFn()
	signature, err := crypto.Sign(c.cfg.Secret, c.cfg.ClientID, signBody, ts)
	if err != nil {
		return fmt.Errorf("escrow: sign request: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("escrow: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("escrow: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderClientID, c.cfg.ClientID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.UnixMilli(), 10))
	req.Header.Set(HeaderSignature, signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("escrow: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("escrow: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode, Body: data}
		var parsed struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &parsed) == nil {
			statusErr.Slug = parsed.Error
		}
		return statusErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("escrow: decode response: %w", err)
		}
	}
	return nil
}
