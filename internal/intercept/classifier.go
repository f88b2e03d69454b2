package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/envelope"
	"github.com/rsclarke/tunegate/internal/logging"
)

const maxRequestBody = 4 << 20

var (
	trailingID  = regexp.MustCompile(`/\d*$`)
	adPath      = regexp.MustCompile(`^/(?:api|eapi|weapi)/ad(?:/|$)`)
	upgradePath = regexp.MustCompile(`^/(?:api|eapi|weapi)/(?:\w+/)?(?:upgrade|version)(?:/|$)`)
)

// downloadKeep lists the request params carried over when a download
// request is turned into a player request.
var downloadKeep = []string{"br", "level", "encodeType", "e_r", "header"}

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	BlockAds            bool
	DisableUpgradeCheck bool
	// RealIP, when set, is sent as X-Real-IP on every in-scope request.
	RealIP string
	Logger *zap.Logger
}

// Classifier decodes in-scope requests into Sessions.
type Classifier struct {
	opts   ClassifierOptions
	logger *zap.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ClassifierOptions) *Classifier {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{opts: opts, logger: logger}
}

// Blocked reports whether req must be answered with 403 instead of being
// forwarded.
func (c *Classifier) Blocked(req *http.Request) bool {
	if !InScopeHost(req.URL.Host) && !InScopeHost(req.Host) {
		return false
	}
	p := req.URL.Path
	return (c.opts.BlockAds && adPath.MatchString(p)) ||
		(c.opts.DisableUpgradeCheck && upgradePath.MatchString(p))
}

// Classify decodes req when it targets an in-scope host. It returns nil when
// the request is passed through untouched. The request body is always left
// readable; download requests are rewritten in place.
func (c *Classifier) Classify(req *http.Request) *Session {
	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	if !InScopeHost(host) {
		return nil
	}
	if c.opts.RealIP != "" {
		req.Header.Set("X-Real-IP", c.opts.RealIP)
	}

	s := newSession(host)
	urlPath := req.URL.Path

	switch {
	case strings.HasPrefix(urlPath, "/weapi/"):
		s.Web = true
		s.Path = "/api/" + strings.TrimPrefix(urlPath, "/weapi/")

	case strings.HasPrefix(urlPath, "/eapi/"):
		if !c.decode(req, s, envelope.EAPI) {
			return nil
		}

	case urlPath == envelope.LinuxForwardPath:
		if !c.decode(req, s, envelope.LinuxAPI) {
			return nil
		}

	case strings.HasPrefix(urlPath, "/api/"):
		s.Path = urlPath
		if req.Method == http.MethodPost && !c.decode(req, s, envelope.PlainAPI) {
			return nil
		}

	default:
		return nil
	}

	s.Path = trailingID.ReplaceAllString(s.Path, "")
	s.OriginalPath = s.Path

	if player, ok := downloadToPlayer[s.Path]; ok && !s.Web && s.Params != nil {
		if err := c.rewriteDownload(req, s, player); err != nil {
			c.logger.Debug("download rewrite failed",
				logging.Session(s.ID),
				logging.Path(s.Path),
				zap.Error(err))
		}
	}

	c.logger.Debug("classified",
		logging.Session(s.ID),
		logging.Host(host),
		logging.Path(s.Path),
		logging.Variant(s.Variant.String()),
		zap.Bool("web", s.Web),
		zap.Bool("encrypt_response", s.EncryptResponse))
	return s
}

// decode reads and decrypts the request body into s. On failure the body is
// restored and false is returned.
func (c *Classifier) decode(req *http.Request, s *Session, v envelope.Variant) bool {
	body, err := readBody(req)
	if err != nil {
		c.logger.Debug("read request body", logging.Session(s.ID), zap.Error(err))
		return false
	}

	p, err := envelope.Decode(v, body)
	if err != nil {
		c.logger.Debug("envelope decode failed",
			logging.Session(s.ID),
			logging.Variant(v.String()),
			logging.Path(req.URL.Path),
			zap.Error(err))
		return false
	}

	s.Variant = v
	s.Params = p.Params
	s.Pad = p.Pad
	if p.Path != "" {
		s.Path = p.Path
	}
	if v == envelope.EAPI {
		s.EncryptResponse = truthy(p.Params["e_r"])
	}
	return true
}

// rewriteDownload turns a download request into the player request for the
// same track, re-encoding the body in the original envelope.
func (c *Classifier) rewriteDownload(req *http.Request, s *Session, player string) error {
	params := map[string]any{
		"ids": envelope.Stringify([]string{envelope.Stringify(s.Params["id"])}),
	}
	for _, k := range downloadKeep {
		if v, ok := s.Params[k]; ok {
			params[k] = v
		}
	}

	payload := &envelope.Payload{Path: player, Params: params, Pad: s.Pad}
	body, err := envelope.Encode(s.Variant, payload)
	if err != nil {
		return err
	}

	if s.Variant != envelope.LinuxAPI {
		req.URL.Path = envelope.RequestPath(s.Variant, player)
		req.URL.RawPath = ""
	}
	setBody(req, body)

	s.Path = player
	s.Params = params
	return nil
}

// readBody buffers a request body of at most maxRequestBody bytes. Larger
// or unreadable bodies are handed back intact, with the buffered prefix
// stitched in front of the unread remainder.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	orig := req.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxRequestBody+1))
	if err == nil && len(body) > maxRequestBody {
		err = errBodyTooLarge
	}
	if err != nil {
		req.Body = prefixedBody{Reader: io.MultiReader(bytes.NewReader(body), orig), Closer: orig}
		return nil, err
	}
	_ = orig.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

var errBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", maxRequestBody)

type prefixedBody struct {
	io.Reader
	io.Closer
}

func setBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}
