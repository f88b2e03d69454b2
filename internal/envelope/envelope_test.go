package envelope

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const playerURLBody = "params=FA90B329E9614F79E79598F37DC2EDB430F8378D2A2796338F0BFDEAEF824A2219F77E9F1A8342E17AEDFE9CB0B8F423AD5BC118CB1EE7956F70D4B2F330E504B09B61D1675124850AD56213722C07AA20F3C8F67B6F7509BEEE2C323A51B5FBB37D8A8EE1C727D92BAE3DD22A0A821240CA737A6E1F6BAAB75E64A8F7966566"

func TestEncodeEAPIKnownAnswer(t *testing.T) {
	p := &Payload{
		Path:   "/api/song/enhance/player/url",
		Params: map[string]any{"br": "320000", "ids": `["1"]`},
	}

	got, err := Encode(EAPI, p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(got) != playerURLBody {
		t.Errorf("Encode() =\n%s\nwant\n%s", got, playerURLBody)
	}
}

func TestDecodeEAPIKnownAnswer(t *testing.T) {
	p, err := Decode(EAPI, []byte(playerURLBody))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Path != "/api/song/enhance/player/url" {
		t.Errorf("Path = %q", p.Path)
	}
	if p.Params["ids"] != `["1"]` || p.Params["br"] != "320000" {
		t.Errorf("Params = %v", p.Params)
	}
	if p.Pad != "" {
		t.Errorf("Pad = %q, want empty", p.Pad)
	}
}

func TestDecodeAcceptsLowerCaseHex(t *testing.T) {
	lower := "params=" + strings.ToLower(strings.TrimPrefix(playerURLBody, "params="))
	if _, err := Decode(EAPI, []byte(lower)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		variant Variant
		payload *Payload
	}{
		{
			name:    "eapi",
			variant: EAPI,
			payload: &Payload{
				Path: "/api/song/enhance/player/url/v1",
				Params: map[string]any{
					"ids":        `["1969519579"]`,
					"level":      "exhigh",
					"encodeType": "flac",
					"e_r":        true,
					"br":         json.Number("320000"),
				},
			},
		},
		{
			name:    "eapi with padding",
			variant: EAPI,
			payload: &Payload{
				Path:   "/api/v3/song/detail",
				Params: map[string]any{"c": `[{"id":1}]`, "e_r": "true"},
				Pad:    "%0000",
			},
		},
		{
			name:    "linuxapi",
			variant: LinuxAPI,
			payload: &Payload{
				Path:   "/api/song/enhance/player/url",
				Params: map[string]any{"ids": `["1"]`, "br": json.Number("999000")},
			},
		},
		{
			name:    "linuxapi with padding",
			variant: LinuxAPI,
			payload: &Payload{
				Path:   "/api/v1/album",
				Params: map[string]any{"id": "32311"},
				Pad:    "%0",
			},
		},
		{
			name:    "plain form",
			variant: PlainAPI,
			payload: &Payload{
				Params: map[string]any{"ids": `["1","2"]`, "br": "128000"},
			},
		},
		{
			name:    "plain form with padding",
			variant: PlainAPI,
			payload: &Payload{
				Params: map[string]any{"id": "7"},
				Pad:    "%000",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Encode(tt.variant, tt.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if tt.payload.Pad != "" && !strings.HasSuffix(string(body), tt.payload.Pad) {
				t.Errorf("body %q does not end with pad %q", body, tt.payload.Pad)
			}

			got, err := Decode(tt.variant, body)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.payload) {
				t.Errorf("Decode(Encode(p)) = %#v, want %#v", got, tt.payload)
			}

			again, err := Encode(tt.variant, got)
			if err != nil {
				t.Fatalf("re-Encode: %v", err)
			}
			if string(again) != string(body) {
				t.Errorf("re-encoded body differs:\n%s\n%s", again, body)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		variant Variant
		body    string
	}{
		{"eapi empty", EAPI, ""},
		{"eapi prefix only", EAPI, "params="},
		{"eapi bad hex", EAPI, "params=XYZ1"},
		{"eapi short block", EAPI, "params=00112233"},
		{"eapi wrong key", EAPI, "params=" + hex.EncodeToString(ecbEncrypt(linuxKey, []byte("/api/x"+Separator+"{}")))},
		{"eapi no separator", EAPI, "params=" + hex.EncodeToString(ecbEncrypt(eapiKey, []byte("/api/x")))},
		{"linux not json", LinuxAPI, "eparams=" + hex.EncodeToString(ecbEncrypt(linuxKey, []byte("nope")))},
		{"plain bad escape", PlainAPI, "a=%zz"},
		{"unknown variant", Variant(9), "a=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.variant, []byte(tt.body))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestResponseCipherKnownAnswer(t *testing.T) {
	got := hex.EncodeToString(EncryptResponse([]byte(`{"code":200}`)))
	if got != "51b05e35c69b2f9ff4967735ded68881" {
		t.Errorf("EncryptResponse = %s", got)
	}

	plain, err := DecryptResponse(EncryptResponse([]byte(`{"data":[]}`)))
	if err != nil {
		t.Fatalf("DecryptResponse: %v", err)
	}
	if string(plain) != `{"data":[]}` {
		t.Errorf("DecryptResponse = %s", plain)
	}
}

func TestSplitPad(t *testing.T) {
	tests := []struct {
		in, body, pad string
	}{
		{"params=AB", "params=AB", ""},
		{"params=AB%0", "params=AB", "%0"},
		{"params=AB%0000", "params=AB", "%0000"},
		{"a=%20", "a=%20", ""},
		{"a=1%01", "a=1%01", ""},
	}
	for _, tt := range tests {
		body, pad := SplitPad([]byte(tt.in))
		if string(body) != tt.body || pad != tt.pad {
			t.Errorf("SplitPad(%q) = %q, %q; want %q, %q", tt.in, body, pad, tt.body, tt.pad)
		}
	}
}

func TestRequestPath(t *testing.T) {
	if got := RequestPath(EAPI, "/api/song/enhance/player/url"); got != "/eapi/song/enhance/player/url" {
		t.Errorf("RequestPath(EAPI) = %q", got)
	}
	if got := RequestPath(LinuxAPI, "/api/song/enhance/player/url"); got != LinuxForwardPath {
		t.Errorf("RequestPath(LinuxAPI) = %q", got)
	}
	if got := RequestPath(PlainAPI, "/api/song/enhance/player/url"); got != "/api/song/enhance/player/url" {
		t.Errorf("RequestPath(PlainAPI) = %q", got)
	}
}
