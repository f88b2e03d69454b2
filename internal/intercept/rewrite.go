package intercept

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rsclarke/tunegate/internal/envelope"
	"github.com/rsclarke/tunegate/internal/logging"
	"github.com/rsclarke/tunegate/internal/source"
)

const maxResponseBody = 32 << 20

var errNotJSON = errors.New("response body is not JSON")

// Resolver finds a replacement stream for a track.
type Resolver interface {
	ResolveTrack(ctx context.Context, id int64) (source.AudioResult, error)
}

// RewriterOptions configures a Rewriter.
type RewriterOptions struct {
	Resolver Resolver
	// MinBitrate marks entries below it as unplayable.
	MinBitrate int
	// Endpoint is the optional re-hosting endpoint stream URLs are wrapped for.
	Endpoint  string
	LocalVIP  bool
	LocalSVIP bool
	Logger    *zap.Logger
	Now       func() time.Time
}

// Rewriter patches in-scope API responses.
type Rewriter struct {
	opts   RewriterOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewRewriter creates a Rewriter.
func NewRewriter(opts RewriterOptions) *Rewriter {
	r := &Rewriter{opts: opts, logger: opts.Logger, now: opts.Now}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// RewriteResponse rewrites resp for s in place. The body is decompressed,
// decrypted when the client asked for an encrypted answer, patched and
// re-encrypted. On any failure the original body and headers are left
// as they were and the error is returned for logging.
func (r *Rewriter) RewriteResponse(ctx context.Context, s *Session, resp *http.Response) error {
	if !s.InScope() || resp == nil || resp.Body == nil {
		return nil
	}

	original, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(original))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	plain, err := decompress(resp.Header.Get("Content-Encoding"), original)
	if err != nil {
		return fmt.Errorf("decompress response: %w", err)
	}
	if s.EncryptResponse {
		if plain, err = envelope.DecryptResponse(plain); err != nil {
			return fmt.Errorf("decrypt response: %w", err)
		}
	}
	if !gjson.ValidBytes(plain) {
		return errNotJSON
	}

	patched, err := r.Rewrite(ctx, s, plain)
	if err != nil {
		return err
	}
	s.Response = patched

	out := patched
	if s.EncryptResponse {
		out = envelope.EncryptResponse(patched)
	}

	resp.Header.Del("Content-Length")
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Transfer-Encoding")
	resp.TransferEncoding = nil
	resp.Uncompressed = false
	resp.ContentLength = int64(len(out))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	return nil
}

// Rewrite patches the plaintext JSON body of an in-scope response.
func (r *Rewriter) Rewrite(ctx context.Context, s *Session, body []byte) ([]byte, error) {
	switch {
	case isPlayerPath(s.Path) || isDownloadPath(s.Path):
		return r.patchTracks(ctx, s, body)
	case strings.Contains(s.Path, "/usertool/sound/"):
		return patchSoundEffects(body)
	case strings.Contains(s.Path, "/vipauth/app/auth/query"):
		return patchLyricsAccess(body)
	case s.Path == vipInfoPath:
		if !r.opts.LocalVIP && !r.opts.LocalSVIP {
			return body, nil
		}
		return patchVIP(body, r.opts.LocalSVIP, r.now())
	case isBatchPath(s.Path):
		patched, err := patchBatch(body)
		if err != nil {
			return nil, err
		}
		return unblockPrivileges(patched)
	default:
		return unblockPrivileges(body)
	}
}

// patchTracks replaces the stream of every unplayable entry in data.
// Entries are resolved concurrently.
func (r *Rewriter) patchTracks(ctx context.Context, s *Session, body []byte) ([]byte, error) {
	data := gjson.GetBytes(body, "data")

	switch {
	case data.IsArray():
		entries := data.Array()
		patched := make([][]byte, len(entries))

		var g errgroup.Group
		for i, e := range entries {
			g.Go(func() error {
				patched[i] = r.patchEntry(ctx, s, []byte(e.Raw))
				return nil
			})
		}
		_ = g.Wait()

		raw := []byte("[" + string(bytes.Join(patched, []byte(","))) + "]")
		if s.Downloaded() && len(patched) > 0 {
			raw = patched[0]
		}
		return sjson.SetRawBytes(body, "data", raw)

	case data.IsObject():
		return sjson.SetRawBytes(body, "data", r.patchEntry(ctx, s, []byte(data.Raw)))
	}
	return body, nil
}

// patchEntry returns entry unchanged when it plays or when no provider
// resolves it.
func (r *Rewriter) patchEntry(ctx context.Context, s *Session, entry []byte) []byte {
	e := gjson.ParseBytes(entry)

	if !unplayable(e, r.opts.MinBitrate) {
		if !s.Web {
			return entry
		}
		out, err := webCDN(entry)
		if err != nil {
			return entry
		}
		return out
	}

	id := e.Get("id").Int()
	if id == 0 || r.opts.Resolver == nil {
		return entry
	}

	res, err := r.opts.Resolver.ResolveTrack(ctx, id)
	if err != nil {
		r.logger.Warn("track unresolved",
			logging.Session(s.ID),
			logging.TrackID(id),
			zap.Error(err))
		return entry
	}

	out, err := PatchTrackEntry(entry, res, r.opts.Endpoint)
	if err != nil {
		r.logger.Warn("patch entry failed", logging.Session(s.ID), logging.TrackID(id), zap.Error(err))
		return entry
	}
	r.logger.Info("track replaced",
		logging.Session(s.ID),
		logging.TrackID(id),
		logging.Provider(res.Source),
		logging.Bitrate(res.Bitrate))
	return out
}

func decompress(encoding string, body []byte) ([]byte, error) {
	var rd io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		rd = zr
	case "deflate":
		// servers disagree on whether deflate carries a zlib header
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer func() { _ = zr.Close() }()
			rd = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer func() { _ = fr.Close() }()
			rd = fr
		}
	case "br":
		rd = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	return io.ReadAll(io.LimitReader(rd, maxResponseBody))
}
