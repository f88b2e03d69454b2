package gate

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/rsclarke/tunegate/internal/auth"
)

func basic(cred string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
}

func mustGate(t *testing.T, allow, deny []string, strict bool, token string) *Gate {
	t.Helper()
	rules, err := Compile(allow, deny, strict)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	g, err := New(Options{Rules: rules, Token: token, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestConnectDeniesBlockedHost(t *testing.T) {
	g := mustGate(t, nil, []string{`example\.blocked\.net`}, false, "")

	d := g.Connect("example.blocked.net:443", "")
	if d != DenyFiltered {
		t.Fatalf("Connect = %v, want %v", d, DenyFiltered)
	}
	if d.StatusCode() != http.StatusForbidden || d.Allowed() {
		t.Errorf("status = %d allowed = %v", d.StatusCode(), d.Allowed())
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		deny   []string
		strict bool
		host   string
		want   Decision
	}{
		{"in-scope host decrypted", nil, nil, false, "interface3.music.163.com:443", Decrypt},
		{"in-scope without port", nil, nil, false, "music.163.com", Decrypt},
		{"cdn tunnelled", nil, nil, false, "m701.music.126.net:443", Tunnel},
		{"unrelated tunnelled", nil, nil, false, "cdn.example.com:443", Tunnel},
		{"loopback denied", nil, nil, false, "127.0.0.1:8080", DenyFiltered},
		{"localhost denied", nil, nil, false, "localhost:443", DenyFiltered},
		{"allow wins over deny", []string{`example\.blocked\.net`}, []string{`blocked`}, false, "example.blocked.net:443", Tunnel},
		{"strict denies unlisted", nil, nil, true, "cdn.example.com:443", DenyFiltered},
		{"strict allows default", nil, nil, true, "p2.music.126.net:443", Tunnel},
		{"strict allows in-scope", nil, nil, true, "interface.music.163.com:443", Decrypt},
		{"allow pattern sees port", []string{`:8443$`}, nil, true, "cdn.example.com:8443", Tunnel},
		{"strict denies lookalike suffix", nil, nil, true, "music.163.com.attacker.net:443", DenyFiltered},
		{"strict denies lookalike cdn", nil, nil, true, "m7.music.126.net.attacker.net:443", DenyFiltered},
		{"localhost suffix not denied", nil, nil, false, "localhost.example.com:443", Tunnel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGate(t, tt.allow, tt.deny, tt.strict, "")
			if got := g.Connect(tt.host, ""); got != tt.want {
				t.Errorf("Connect(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestConnectAuth(t *testing.T) {
	g := mustGate(t, nil, nil, false, "alice:s3cret")

	tests := []struct {
		name   string
		header string
		host   string
		want   Decision
	}{
		{"missing", "", "music.163.com:443", DenyAuth},
		{"wrong", basic("alice:nope"), "music.163.com:443", DenyAuth},
		{"valid decrypt", basic("alice:s3cret"), "music.163.com:443", Decrypt},
		{"valid tunnel", basic("alice:s3cret"), "cdn.example.com:443", Tunnel},
		{"auth before filter", "", "localhost:443", DenyAuth},
		{"valid but filtered", basic("alice:s3cret"), "localhost:443", DenyFiltered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Connect(tt.host, tt.header)
			if got != tt.want {
				t.Errorf("Connect = %v, want %v", got, tt.want)
			}
		})
	}

	if DenyAuth.StatusCode() != http.StatusProxyAuthRequired {
		t.Errorf("DenyAuth status = %d", DenyAuth.StatusCode())
	}
}

func TestAdmit(t *testing.T) {
	g := mustGate(t, nil, []string{`ads\.example\.com`}, false, "")

	tests := []struct {
		url  string
		host string
		want Decision
	}{
		{"http://music.163.com/api/v3/song/detail", "music.163.com", Decrypt},
		{"http://ads.example.com/banner", "ads.example.com", DenyFiltered},
		{"http://localhost/admin", "localhost", DenyFiltered},
		{"http://m7.music.126.net/x.mp3", "m7.music.126.net", Tunnel},
		{"http://localhost:8080/admin", "localhost", DenyFiltered},
		{"http://cdn.example.com/?next=http://localhost/", "cdn.example.com", Tunnel},
	}
	for _, tt := range tests {
		if got := g.Admit(tt.url, tt.host, ""); got != tt.want {
			t.Errorf("Admit(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestNewRejectsMalformedToken(t *testing.T) {
	_, err := New(Options{Token: "nopassword"})
	if !errors.Is(err, auth.ErrMalformedCredential) {
		t.Fatalf("err = %v, want ErrMalformedCredential", err)
	}
}

func TestCompileRejectsBadPattern(t *testing.T) {
	if _, err := Compile([]string{"("}, nil, false); err == nil {
		t.Error("expected error for bad allow pattern")
	}
	if _, err := Compile(nil, []string{"[a-"}, false); err == nil {
		t.Error("expected error for bad deny pattern")
	}
}

func TestDecisionString(t *testing.T) {
	tests := map[Decision]string{
		Tunnel:       "tunnel",
		Decrypt:      "decrypt",
		DenyAuth:     "deny_auth",
		DenyFiltered: "deny_filtered",
		Decision(9):  "decision(9)",
	}
	for d, want := range tests {
		if got := d.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
