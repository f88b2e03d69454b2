package intercept

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/rsclarke/tunegate/internal/envelope"
	"github.com/rsclarke/tunegate/internal/source"
)

func TestPatchTrackEntry(t *testing.T) {
	entry := []byte(`{"id":42,"url":null,"br":0,"size":0,"md5":null,"code":404,"type":null,"freeTrialInfo":{"start":0},"flag":2,"level":"standard"}`)

	tests := []struct {
		name     string
		res      source.AudioResult
		endpoint string
		wantURL  string
		wantType string
		wantMD5  string
		wantBR   int64
	}{
		{
			name:     "plain",
			res:      source.AudioResult{URL: "http://a/x.m4a", Bitrate: 132000, Size: 10, MD5: "abc", Type: "m4a"},
			wantURL:  "http://a/x.m4a",
			wantType: "m4a",
			wantMD5:  "abc",
			wantBR:   132000,
		},
		{
			name:     "lossless is flac",
			res:      source.AudioResult{URL: "http://a/x", Bitrate: source.BitrateLossless, Size: 10, Type: "mp3"},
			wantURL:  "http://a/x",
			wantType: "flac",
			wantMD5:  envelope.MD5Hex("http://a/x"),
			wantBR:   source.BitrateLossless,
		},
		{
			name:     "defaults",
			res:      source.AudioResult{URL: "http://a/y"},
			wantURL:  "http://a/y",
			wantType: "mp3",
			wantMD5:  envelope.MD5Hex("http://a/y"),
			wantBR:   source.Bitrate128,
		},
		{
			name:     "endpoint wrap",
			res:      source.AudioResult{URL: "http://a/z?x=1", Bitrate: 320000, MD5: "m", Type: "mp3"},
			endpoint: "https://rehost.example/",
			wantURL:  "https://rehost.example/package/" + base64.URLEncoding.EncodeToString([]byte("http://a/z?x=1")) + "/42.mp3",
			wantType: "mp3",
			wantMD5:  "m",
			wantBR:   320000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := PatchTrackEntry(entry, tt.res, tt.endpoint)
			if err != nil {
				t.Fatalf("PatchTrackEntry: %v", err)
			}
			e := gjson.ParseBytes(out)
			if got := e.Get("url").String(); got != tt.wantURL {
				t.Errorf("url = %q, want %q", got, tt.wantURL)
			}
			if got := e.Get("type").String(); got != tt.wantType {
				t.Errorf("type = %q, want %q", got, tt.wantType)
			}
			if got := e.Get("md5").String(); got != tt.wantMD5 {
				t.Errorf("md5 = %q, want %q", got, tt.wantMD5)
			}
			if got := e.Get("br").Int(); got != tt.wantBR {
				t.Errorf("br = %d, want %d", got, tt.wantBR)
			}
			if e.Get("code").Int() != 200 || e.Get("flag").Int() != 0 || e.Get("freeTrialInfo").Type != gjson.Null {
				t.Errorf("entry = %s", out)
			}
			if e.Get("size").Int() != tt.res.Size || e.Get("level").String() != "standard" || e.Get("id").Int() != 42 {
				t.Errorf("entry = %s", out)
			}
		})
	}
}

func TestUnblockPrivileges(t *testing.T) {
	body := []byte(`{"code":200,
		"privileges":[
			{"id":1,"st":-200,"subp":0,"pl":0,"dl":0,"cp":0,"maxbr":999000},
			{"id":2,"st":0,"subp":1,"pl":128000,"dl":0,"cp":1}
		],
		"/api/v1/discovery/recommend/songs":{"data":{"dailySongs":[{"privilege":{"st":-1,"subp":0,"pl":0,"dl":0}}]}},
		"other":{"st":-1,"pl":0}
	}`)

	out, err := unblockPrivileges(body)
	if err != nil {
		t.Fatalf("unblockPrivileges: %v", err)
	}

	p0 := gjson.GetBytes(out, "privileges.0")
	if p0.Get("st").Int() != 0 || p0.Get("subp").Int() != 1 || p0.Get("cp").Int() != 1 {
		t.Errorf("privileges.0 = %s", p0.Raw)
	}
	if p0.Get("pl").Int() != 999000 || p0.Get("dl").Int() != 999000 {
		t.Errorf("privileges.0 pl/dl = %s", p0.Raw)
	}

	p1 := gjson.GetBytes(out, "privileges.1")
	if p1.Get("pl").Int() != 128000 || p1.Get("dl").Int() != 320000 {
		t.Errorf("privileges.1 = %s", p1.Raw)
	}

	nested := gjson.GetBytes(out, `/api/v1/discovery/recommend/songs.data.dailySongs.0.privilege`)
	if nested.Get("st").Int() != 0 || nested.Get("pl").Int() != 320000 || nested.Get("subp").Int() != 1 {
		t.Errorf("nested privilege = %s", nested.Raw)
	}

	if other := gjson.GetBytes(out, "other"); other.Get("st").Int() != -1 {
		t.Errorf("incomplete object patched: %s", other.Raw)
	}
}

func TestPatchSoundEffects(t *testing.T) {
	list := []byte(`{"code":200,"data":[{"id":1,"type":3},{"id":2,"type":0},{"id":3}]}`)
	out, err := patchSoundEffects(list)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "data.0.type").Int() != 1 || gjson.GetBytes(out, "data.1.type").Int() != 0 || gjson.GetBytes(out, "data.2.type").Exists() {
		t.Errorf("out = %s", out)
	}

	single := []byte(`{"code":200,"data":{"id":1,"type":2}}`)
	out, err = patchSoundEffects(single)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "data.type").Int() != 1 {
		t.Errorf("out = %s", out)
	}

	failed := []byte(`{"code":301,"data":{"type":2}}`)
	if out, _ := patchSoundEffects(failed); string(out) != string(failed) {
		t.Errorf("non-200 response patched: %s", out)
	}
}

func TestPatchLyricsAccess(t *testing.T) {
	body := []byte(`{"code":200,"data":[{"type":1,"canUse":false,"canNotUseReasonCode":12},{"type":2}]}`)
	out, err := patchLyricsAccess(body)
	if err != nil {
		t.Fatal(err)
	}
	if !gjson.GetBytes(out, "data.0.canUse").Bool() || gjson.GetBytes(out, "data.0.canNotUseReasonCode").Int() != 200 {
		t.Errorf("out = %s", out)
	}
	if gjson.GetBytes(out, "data.1.canUse").Exists() {
		t.Errorf("field added: %s", out)
	}
}

func TestRewriteDispatchesSideChannels(t *testing.T) {
	rw := NewRewriter(RewriterOptions{})

	out, err := rw.Rewrite(context.Background(), &Session{Path: "/api/usertool/sound/mobile/all"}, []byte(`{"code":200,"data":[{"type":5}]}`))
	if err != nil || gjson.GetBytes(out, "data.0.type").Int() != 1 {
		t.Errorf("sound: %s %v", out, err)
	}

	out, err = rw.Rewrite(context.Background(), &Session{Path: "/api/vipauth/app/auth/query"}, []byte(`{"code":200,"data":[{"canUse":false}]}`))
	if err != nil || !gjson.GetBytes(out, "data.0.canUse").Bool() {
		t.Errorf("lyrics: %s %v", out, err)
	}

	out, err = rw.Rewrite(context.Background(), &Session{Path: "/api/v3/song/detail"}, []byte(`{"code":200,"privileges":[{"st":-200,"subp":0,"pl":0,"dl":0}]}`))
	if err != nil || gjson.GetBytes(out, "privileges.0.st").Int() != 0 {
		t.Errorf("privileges: %s %v", out, err)
	}
}
