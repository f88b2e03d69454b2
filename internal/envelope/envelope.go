// Package envelope encodes and decodes the request and response envelopes
// used by the music client's API traffic.
//
// Three variants exist. PlainAPI bodies are URL-encoded forms. LinuxAPI and
// EAPI bodies carry a form prefix followed by hex-encoded AES-128-ECB
// ciphertext. Any trailing "%0..." padding on a raw body is kept verbatim in
// Payload.Pad so that re-encoding reproduces the padding length on the wire.
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Variant identifies a request envelope encoding.
type Variant int

const (
	PlainAPI Variant = iota
	LinuxAPI
	EAPI
)

func (v Variant) String() string {
	switch v {
	case PlainAPI:
		return "api"
	case LinuxAPI:
		return "linuxapi"
	case EAPI:
		return "eapi"
	default:
		return "unknown"
	}
}

const (
	eapiPrefix  = "params="
	linuxPrefix = "eparams="

	// Separator splits a decrypted EAPI payload into path, params and digest.
	Separator = "-36cd479b6b5-"

	// LinuxForwardPath is the single endpoint every LinuxAPI request is posted to.
	LinuxForwardPath = "/api/linux/forward"

	linuxOrigin = "https://music.163.com"
)

// ErrMalformed is returned when a body cannot be decoded as the requested variant.
var ErrMalformed = errors.New("malformed envelope")

var padPattern = regexp.MustCompile(`%0+$`)

// Payload is the decoded content of a request envelope.
type Payload struct {
	Path   string
	Params map[string]any
	Pad    string
}

type linuxRequest struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Params json.RawMessage `json:"params"`
}

// SplitPad separates trailing "%0+" padding from body.
func SplitPad(body []byte) ([]byte, string) {
	loc := padPattern.FindIndex(body)
	if loc == nil {
		return body, ""
	}
	return body[:loc[0]], string(body[loc[0]:])
}

// Decode parses body as variant v. For PlainAPI the returned Path is empty;
// the caller takes it from the request URL.
func Decode(v Variant, body []byte) (*Payload, error) {
	raw, pad := SplitPad(body)

	switch v {
	case PlainAPI:
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		params := make(map[string]any, len(values))
		for k := range values {
			params[k] = values.Get(k)
		}
		return &Payload{Params: params, Pad: pad}, nil

	case EAPI:
		plain, err := decryptBody(eapiKey, raw, len(eapiPrefix))
		if err != nil {
			return nil, err
		}
		parts := strings.Split(string(plain), Separator)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing separator", ErrMalformed)
		}
		params, err := decodeParams([]byte(parts[1]))
		if err != nil {
			return nil, err
		}
		return &Payload{Path: parts[0], Params: params, Pad: pad}, nil

	case LinuxAPI:
		plain, err := decryptBody(linuxKey, raw, len(linuxPrefix))
		if err != nil {
			return nil, err
		}
		var req linuxRequest
		if err := json.Unmarshal(plain, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		params, err := decodeParams(req.Params)
		if err != nil {
			return nil, err
		}
		return &Payload{Path: u.Path, Params: params, Pad: pad}, nil
	}

	return nil, fmt.Errorf("%w: unknown variant %d", ErrMalformed, v)
}

// Encode serializes p as variant v, re-appending p.Pad.
func Encode(v Variant, p *Payload) ([]byte, error) {
	params := p.Params
	if params == nil {
		params = map[string]any{}
	}

	var body string
	switch v {
	case PlainAPI:
		values := url.Values{}
		for k, val := range params {
			values.Set(k, Stringify(val))
		}
		body = values.Encode()

	case EAPI:
		text, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		digest := MD5Hex("nobody" + p.Path + "use" + string(text) + "md5forencrypt")
		data := p.Path + Separator + string(text) + Separator + digest
		body = eapiPrefix + strings.ToUpper(hex.EncodeToString(ecbEncrypt(eapiKey, []byte(data))))

	case LinuxAPI:
		rawParams, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		text, err := json.Marshal(linuxRequest{Method: "POST", URL: linuxOrigin + p.Path, Params: rawParams})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = linuxPrefix + strings.ToUpper(hex.EncodeToString(ecbEncrypt(linuxKey, text)))

	default:
		return nil, fmt.Errorf("%w: unknown variant %d", ErrMalformed, v)
	}

	return []byte(body + p.Pad), nil
}

// RequestPath returns the URL path a request carrying an envelope for the
// API path apiPath must be sent to.
func RequestPath(v Variant, apiPath string) string {
	switch v {
	case EAPI:
		return "/eapi/" + strings.TrimPrefix(apiPath, "/api/")
	case LinuxAPI:
		return LinuxForwardPath
	default:
		return apiPath
	}
}

// Stringify renders a decoded parameter value the way a form field carries it.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func decryptBody(key, raw []byte, prefixLen int) ([]byte, error) {
	if len(raw) <= prefixLen {
		return nil, fmt.Errorf("%w: body too short", ErrMalformed)
	}
	ct, err := hex.DecodeString(string(raw[prefixLen:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ecbDecrypt(key, ct)
}

func decodeParams(b []byte) (map[string]any, error) {
	params := map[string]any{}
	if len(bytes.TrimSpace(b)) == 0 {
		return params, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrMalformed, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
