package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
)

func basic(cred string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		token   string
		user    string
		pass    string
		wantErr bool
	}{
		{"alice:s3cret", "alice", "s3cret", false},
		{"bob:pa:ss", "bob", "pa:ss", false},
		{"nocolon", "", "", true},
		{":pass", "", "", true},
		{"user:", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		user, pass, err := ParseToken(tt.token)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseToken(%q) err = %v", tt.token, err)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrMalformedCredential) {
			t.Errorf("ParseToken(%q) err = %v, want ErrMalformedCredential", tt.token, err)
		}
		if user != tt.user || pass != tt.pass {
			t.Errorf("ParseToken(%q) = %q, %q", tt.token, user, pass)
		}
	}
}

func TestParseBasic(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		user    string
		pass    string
		wantErr bool
	}{
		{"valid", basic("alice:s3cret"), "alice", "s3cret", false},
		{"lowercase scheme", "basic " + base64.StdEncoding.EncodeToString([]byte("a:b")), "a", "b", false},
		{"empty password", basic("alice:"), "alice", "", false},
		{"bearer", "Bearer abc", "", "", true},
		{"no scheme", base64.StdEncoding.EncodeToString([]byte("a:b")), "", "", true},
		{"bad base64", "Basic !!!", "", "", true},
		{"no colon", basic("alice"), "", "", true},
		{"empty", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, pass, err := ParseBasic(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if user != tt.user || pass != tt.pass {
				t.Errorf("got %q, %q", user, pass)
			}
		})
	}
}

func TestVerifier(t *testing.T) {
	if _, err := NewVerifier("broken"); !errors.Is(err, ErrMalformedCredential) {
		t.Fatalf("NewVerifier(broken) err = %v", err)
	}

	v, err := NewVerifier("alice:s3cret")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	tests := map[string]bool{
		basic("alice:s3cret"):   true,
		basic("alice:s3cret "):  false,
		basic("alice:wrong"):    false,
		basic("mallory:s3cret"): false,
		"":                      false,
		"Basic ???":             false,
	}
	for header, want := range tests {
		if got := v.Verify(header); got != want {
			t.Errorf("Verify(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestHashSecretDeterministic(t *testing.T) {
	if string(HashSecret("a:b")) != string(HashSecret("a:b")) {
		t.Error("HashSecret is not deterministic")
	}
	if string(HashSecret("a:b")) == string(HashSecret("a:c")) {
		t.Error("HashSecret collides on different input")
	}
}

func TestStripProxyHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Proxy-Authorization", basic("a:b"))
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("Authorization", "Bearer keep")

	StripProxyHeaders(h)

	if h.Get("Proxy-Authorization") != "" || h.Get("Proxy-Connection") != "" {
		t.Errorf("proxy headers kept: %v", h)
	}
	if h.Get("Authorization") != "Bearer keep" {
		t.Error("origin Authorization removed")
	}
}

func TestChallenge(t *testing.T) {
	h := http.Header{}
	Challenge(h, "tunegate")
	if got := h.Get("Proxy-Authenticate"); got != `Basic realm="tunegate"` {
		t.Errorf("Proxy-Authenticate = %q", got)
	}
}
