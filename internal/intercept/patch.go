package intercept

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rsclarke/tunegate/internal/source"
)

// vipTerm is how long a locally granted membership lasts.
const vipTerm = 366 * 24 * time.Hour

var cdnHost = regexp.MustCompile(`(m\d+)\.music\.126\.net`)

// PatchTrackEntry overwrites one player-url entry so the client plays res.
// When endpoint is set the stream URL is wrapped for the re-hosting
// endpoint as {endpoint}/package/{base64url(url)}/{id}.{type}.
func PatchTrackEntry(entry []byte, res source.AudioResult, endpoint string) ([]byte, error) {
	typ := res.Type
	if res.Bitrate == source.BitrateLossless {
		typ = "flac"
	}
	if typ == "" {
		typ = "mp3"
	}

	streamURL := res.URL
	if endpoint != "" {
		id := gjson.GetBytes(entry, "id").Int()
		streamURL = strings.TrimSuffix(endpoint, "/") + "/package/" +
			base64.URLEncoding.EncodeToString([]byte(res.URL)) + "/" +
			strconv.FormatInt(id, 10) + "." + typ
	}

	sum := res.MD5
	if sum == "" {
		h := md5.Sum([]byte(res.URL))
		sum = hex.EncodeToString(h[:])
	}

	br := res.Bitrate
	if br == 0 {
		br = source.Bitrate128
	}

	return setAll(entry,
		field{"type", typ},
		field{"url", streamURL},
		field{"md5", sum},
		field{"br", br},
		field{"size", res.Size},
		field{"code", 200},
		rawField{"freeTrialInfo", "null"},
		field{"flag", 0},
	)
}

// unplayable reports whether a player-url entry needs a replacement stream.
func unplayable(e gjson.Result, minBitrate int) bool {
	if e.Get("code").Int() != 200 {
		return true
	}
	if fti := e.Get("freeTrialInfo"); fti.Exists() && fti.Type != gjson.Null {
		return true
	}
	return e.Get("br").Int() < int64(minBitrate)
}

// webCDN rewrites mN.music.126.net to the mNc host web players can fetch.
func webCDN(entry []byte) ([]byte, error) {
	u := gjson.GetBytes(entry, "url").String()
	if u == "" {
		return entry, nil
	}
	return sjson.SetBytes(entry, "url", cdnHost.ReplaceAllString(u, "${1}c.music.126.net"))
}

// patchSoundEffects grants every sound effect listed in body.
func patchSoundEffects(body []byte) ([]byte, error) {
	if gjson.GetBytes(body, "code").Int() != 200 {
		return body, nil
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		if data.Get("type").Int() != 0 {
			return sjson.SetBytes(body, "data.type", 1)
		}
		return body, nil
	}

	var err error
	for i, item := range data.Array() {
		if item.Get("type").Int() == 0 {
			continue
		}
		if body, err = sjson.SetBytes(body, "data."+strconv.Itoa(i)+".type", 1); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// patchLyricsAccess marks every lyric effect in body as usable.
func patchLyricsAccess(body []byte) ([]byte, error) {
	data := gjson.GetBytes(body, "data")
	if gjson.GetBytes(body, "code").Int() != 200 || !data.IsArray() {
		return body, nil
	}

	var err error
	for i, item := range data.Array() {
		prefix := "data." + strconv.Itoa(i) + "."
		if item.Get("canUse").Exists() {
			if body, err = sjson.SetBytes(body, prefix+"canUse", true); err != nil {
				return nil, err
			}
		}
		if item.Get("canNotUseReasonCode").Exists() {
			if body, err = sjson.SetBytes(body, prefix+"canNotUseReasonCode", 200); err != nil {
				return nil, err
			}
		}
	}
	return body, nil
}

// patchBatch applies the sound effect and lyric patches to the matching
// sub-responses of a batch response, which is keyed by API path.
func patchBatch(body []byte) ([]byte, error) {
	type sub struct {
		key string
		raw []byte
	}
	var subs []sub
	gjson.ParseBytes(body).ForEach(func(k, v gjson.Result) bool {
		if v.IsObject() {
			subs = append(subs, sub{k.String(), []byte(v.Raw)})
		}
		return true
	})

	for _, sb := range subs {
		var (
			out []byte
			err error
		)
		switch {
		case strings.Contains(sb.key, "/usertool/sound/"):
			out, err = patchSoundEffects(sb.raw)
		case strings.Contains(sb.key, "/vipauth/app/auth/query"):
			out, err = patchLyricsAccess(sb.raw)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		if body, err = sjson.SetRawBytes(body, escapeKey(sb.key), out); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// patchVIP reports an active membership that expires one term after now.
func patchVIP(body []byte, svip bool, now time.Time) ([]byte, error) {
	if !gjson.GetBytes(body, "data").IsObject() {
		return body, nil
	}
	expire := now.Add(vipTerm).UnixMilli()

	fields := []setter{
		field{"data.redVipLevel", 7},
		field{"data.redVipAnnualCount", 1},
		field{"data.musicPackage.expireTime", expire},
		field{"data.musicPackage.vipCode", 230},
		field{"data.associator.expireTime", expire},
	}
	if svip {
		fields = append(fields,
			field{"data.redplus.expireTime", expire},
			field{"data.redplus.vipCode", 300},
			field{"data.albumVip.expireTime", expire},
		)
	}
	return setAll(body, fields...)
}

// unblockPrivileges lifts the playback restrictions on every privilege
// object in body, however deeply it is nested.
func unblockPrivileges(body []byte) ([]byte, error) {
	var targets []privilege
	collectPrivileges(gjson.ParseBytes(body), "", &targets)

	var err error
	for _, p := range targets {
		fields := []setter{field{p.path + "subp", 1}, field{p.path + "cp", 1}}
		if p.st < 0 {
			fields = append(fields, field{p.path + "st", 0})
		}
		limit := p.maxbr
		if limit == 0 {
			limit = source.Bitrate320
		}
		if p.pl == 0 {
			fields = append(fields, field{p.path + "pl", limit})
		}
		if p.dl == 0 {
			fields = append(fields, field{p.path + "dl", limit})
		}
		if body, err = setAll(body, fields...); err != nil {
			return nil, err
		}
	}
	return body, nil
}

type privilege struct {
	path              string
	st, pl, dl, maxbr int64
}

func collectPrivileges(r gjson.Result, prefix string, out *[]privilege) {
	switch {
	case r.IsObject():
		if r.Get("st").Exists() && r.Get("subp").Exists() && r.Get("pl").Exists() && r.Get("dl").Exists() {
			*out = append(*out, privilege{
				path:  prefix,
				st:    r.Get("st").Int(),
				pl:    r.Get("pl").Int(),
				dl:    r.Get("dl").Int(),
				maxbr: r.Get("maxbr").Int(),
			})
		}
		r.ForEach(func(k, v gjson.Result) bool {
			if v.IsObject() || v.IsArray() {
				collectPrivileges(v, prefix+escapeKey(k.String())+".", out)
			}
			return true
		})
	case r.IsArray():
		for i, v := range r.Array() {
			if v.IsObject() || v.IsArray() {
				collectPrivileges(v, prefix+strconv.Itoa(i)+".", out)
			}
		}
	}
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`, `:`, `\:`,
)

func escapeKey(k string) string {
	return pathEscaper.Replace(k)
}

type setter interface {
	apply([]byte) ([]byte, error)
}

type field struct {
	path  string
	value any
}

func (f field) apply(b []byte) ([]byte, error) { return sjson.SetBytes(b, f.path, f.value) }

type rawField struct {
	path string
	raw  string
}

func (f rawField) apply(b []byte) ([]byte, error) { return sjson.SetRawBytes(b, f.path, []byte(f.raw)) }

func setAll(b []byte, fields ...setter) ([]byte, error) {
	var err error
	for _, f := range fields {
		if b, err = f.apply(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}
