// Package certify talks to the external certification authority that attests
// Merkle roots. The authority is a black box: this package constructs requests
// from a root plus sampled inclusion proofs and interprets the verdict, it
// implements no verification cryptography of its own.
package certify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Proof is a sampled inclusion proof as submitted for certification.
type Proof struct {
	LeafShardID string      `json:"leaf_shard_id"`
	LeafHash    string      `json:"leaf_hash"`
	Path        []ProofStep `json:"path"`
	RootHash    string      `json:"root_hash"`
}

// ProofStep is one sibling hash on the way to the root.
type ProofStep struct {
	Side string `json:"side"` // "left" | "right"
	Hash string `json:"hash"`
}

// Request is the certification request payload.
type Request struct {
	SubjectID  string  `json:"subject_id"` // job or stage id
	MerkleRoot string  `json:"merkle_root"`
	Proofs     []Proof `json:"sampled_proofs"`
}

// Certificate is the authority's verdict, stored alongside the job as its
// terminal proof of correctness when positive.
type Certificate struct {
	SubjectID     string `json:"subject_id"`
	MerkleRoot    string `json:"merkle_root"`
	Certified     bool   `json:"certified"`
	CertificateID string `json:"certificate_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Certifier requests attestation of a Merkle root.
type Certifier interface {
	Certify(ctx context.Context, req Request) (*Certificate, error)
}

// Client is an HTTP Certifier.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientConfig configures the HTTP certifier.
type ClientConfig struct {
	// BaseURL is the authority endpoint; requests POST to <BaseURL>/certify.
	BaseURL string

	// Timeout bounds one certification round trip. Defaults to 30s.
	Timeout time.Duration
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("certifier base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Certify submits the root and proofs. A negative verdict is not an error:
// the caller decides whether to bisect.
func (c *Client) Certify(ctx context.Context, req Request) (*Certificate, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal certification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/certify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("certification request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("certification authority returned %d: %s", resp.StatusCode, string(b))
	}

	var cert Certificate
	if err := json.NewDecoder(resp.Body).Decode(&cert); err != nil {
		return nil, fmt.Errorf("decode certification response: %w", err)
	}
	if cert.SubjectID == "" {
		cert.SubjectID = req.SubjectID
	}
	if cert.MerkleRoot == "" {
		cert.MerkleRoot = req.MerkleRoot
	}
	return &cert, nil
}

var _ Certifier = (*Client)(nil)

// Func adapts a function to the Certifier interface. Used by tests and by the
// bisection loop, which re-certifies synthesized sub-roots.
type Func func(ctx context.Context, req Request) (*Certificate, error)

func (f Func) Certify(ctx context.Context, req Request) (*Certificate, error) {
	return f(ctx, req)
}
