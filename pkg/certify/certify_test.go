package certify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Certify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/certify" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Certificate{
			Certified:     true,
			CertificateID: "cert-42",
		})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	cert, err := c.Certify(context.Background(), Request{
		SubjectID:  "stage-pack",
		MerkleRoot: "ab12",
	})
	if err != nil {
		t.Fatalf("Certify() error: %v", err)
	}
	if !cert.Certified {
		t.Fatal("expected certified verdict")
	}
	if cert.CertificateID != "cert-42" {
		t.Fatalf("unexpected certificate id: %s", cert.CertificateID)
	}
	// Subject and root backfilled from the request when the authority omits them.
	if cert.SubjectID != "stage-pack" || cert.MerkleRoot != "ab12" {
		t.Fatalf("request fields not backfilled: %+v", cert)
	}
}

func TestClient_NegativeVerdictIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Certificate{Certified: false, Reason: "leaf mismatch"})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	cert, err := c.Certify(context.Background(), Request{SubjectID: "s", MerkleRoot: "ff"})
	if err != nil {
		t.Fatalf("Certify() error: %v", err)
	}
	if cert.Certified {
		t.Fatal("expected negative verdict")
	}
	if cert.Reason != "leaf mismatch" {
		t.Fatalf("unexpected reason: %s", cert.Reason)
	}
}

func TestClient_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if _, err := c.Certify(context.Background(), Request{SubjectID: "s", MerkleRoot: "ff"}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
