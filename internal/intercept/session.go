// Package intercept classifies decrypted client requests and rewrites the
// matching API responses.
package intercept

import (
	"github.com/google/uuid"

	"github.com/rsclarke/tunegate/internal/envelope"
)

// Session is the state of one intercepted request, carried from the
// request hook to the response hook. It is never shared between requests.
type Session struct {
	ID   string
	Host string
	// Path is the normalized "/api/..." path, after any download rewrite.
	Path string
	// OriginalPath is the normalized path the client asked for.
	OriginalPath string
	Variant      envelope.Variant
	// Web marks weapi traffic, which is never decrypted.
	Web    bool
	Params map[string]any
	Pad    string
	// EncryptResponse is set when the client asked for an encrypted answer.
	EncryptResponse bool
	// Response is the plaintext response JSON after rewriting.
	Response []byte
}

func newSession(host string) *Session {
	return &Session{ID: uuid.NewString(), Host: host}
}

// InScope reports whether the response of s is rewritten.
func (s *Session) InScope() bool {
	return s != nil && InScopePath(s.Path)
}

// Downloaded reports whether the client asked for a download URL.
func (s *Session) Downloaded() bool {
	return isDownloadPath(s.OriginalPath)
}
