package oauth2

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

func TestGateway_LoginURL(t *testing.T) {
	g := NewGateway(Config{AuthURL: "https://broker.test/authorize"})

	raw := g.LoginURL("client-1", "state-token-1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", raw, err)
	}

	q := u.Query()
	if q.Get("client_id") != "client-1" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("state") != "state-token-1" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
}

func TestGateway_Exchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "code-1" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","user_id":"user-1"}`))
	}))
	defer server.Close()

	g := NewGateway(Config{TokenURL: server.URL})
	session, err := g.Exchange(context.Background(), "client-1", "secret-1", "code-1")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if session.AccessToken != "access-1" || session.RefreshToken != "refresh-1" || session.BrokerUserID != "user-1" {
		t.Errorf("session = %+v", session)
	}
}

func TestGateway_Exchange_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code already used"}`))
	}))
	defer server.Close()

	g := NewGateway(Config{TokenURL: server.URL})
	_, err := g.Exchange(context.Background(), "client-1", "secret-1", "code-1")
	if !errors.Is(err, domain.ErrExchangeFailed) {
		t.Errorf("error = %v, want ErrExchangeFailed", err)
	}
}

func TestGateway_Verify(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantConnected bool
		wantErr       error
	}{
		{name: "valid token", status: http.StatusOK, wantConnected: true},
		{name: "rejected token", status: http.StatusUnauthorized},
		{name: "backend error", status: http.StatusBadGateway, wantErr: domain.ErrVerifyUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			g := NewGateway(Config{VerifyURL: server.URL})
			verification, err := g.Verify(context.Background(), "client-1", "access-1")

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if verification.Connected != tt.wantConnected {
				t.Errorf("Connected = %v, want %v", verification.Connected, tt.wantConnected)
			}
		})
	}
}
