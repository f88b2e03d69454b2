package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
)

type qqFile struct {
	prefix  string
	ext     string
	bitrate int
}

// QQ searches through the desktop search service when a login cookie is
// configured and through the legacy public search otherwise. Stream URLs
// come from the vkey service; without a cookie only free tracks resolve.
type QQ struct {
	client     *http.Client
	searches   searcher
	ladder     []qqFile
	cookie     string
	uin        string
	musicuURL  string
	legacyURL  string
	streamHost string
}

func newQQ(d Deps) *QQ {
	ladder := []qqFile{
		{"F000", ".flac", BitrateLossless},
		{"M800", ".mp3", Bitrate320},
		{"M500", ".mp3", Bitrate128},
	}
	if !d.EnableFlac {
		ladder = ladder[1:]
	}
	return &QQ{
		client:     d.Client,
		searches:   searcher{name: "qq", ttl: 3 * time.Hour, store: d.Searches},
		ladder:     ladder,
		cookie:     d.Cookies.QQ,
		uin:        qqUIN(d.Cookies.QQ),
		musicuURL:  "https://u.y.qq.com/cgi-bin/musicu.fcg",
		legacyURL:  "https://c.y.qq.com/soso/fcgi-bin/client_search_cp",
		streamHost: "https://ws.stream.qqmusic.qq.com/",
	}
}

// qqUIN extracts the numeric account id from a cookie header value.
func qqUIN(cookie string) string {
	if cookie == "" {
		return "0"
	}
	cookies, err := http.ParseCookie(cookie)
	if err != nil {
		return "0"
	}
	for _, c := range cookies {
		if c.Name == "uin" || c.Name == "wxuin" {
			if id := strings.TrimLeftFunc(c.Value, func(r rune) bool { return !unicode.IsDigit(r) || r == '0' }); id != "" {
				return id
			}
		}
	}
	return "0"
}

func (p *QQ) Name() string { return "qq" }

func (p *QQ) headers() map[string]string {
	h := map[string]string{"Referer": "https://y.qq.com/"}
	if p.cookie != "" {
		h["Cookie"] = p.cookie
	}
	return h
}

func (p *QQ) Check(ctx context.Context, q Query) (AudioResult, error) {
	song, err := p.searches.find(ctx, q, func(ctx context.Context) (Candidate, error) {
		if p.cookie != "" {
			return p.search(ctx, q)
		}
		return p.searchLegacy(ctx, q)
	})
	if err != nil {
		return AudioResult{}, err
	}

	var errs []error
	for _, f := range p.ladder {
		res, err := p.track(ctx, song, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return res, nil
	}
	return AudioResult{}, exhausted(p.Name(), errs)
}

func (p *QQ) search(ctx context.Context, q Query) (Candidate, error) {
	payload, err := json.Marshal(map[string]any{
		"comm": map[string]any{"ct": "19", "cv": "1859", "uin": p.uin},
		"req": map[string]any{
			"module": "music.search.SearchCgiService",
			"method": "DoSearchForQQMusicDesktop",
			"param": map[string]any{
				"query":        q.Keyword(),
				"search_type":  0,
				"num_per_page": 10,
				"page_num":     1,
				"grp":          1,
			},
		},
	})
	if err != nil {
		return Candidate{}, err
	}

	body, err := postJSON(ctx, p.client, p.musicuURL, p.headers(), payload)
	if err != nil {
		return Candidate{}, fmt.Errorf("qq search: %w", err)
	}
	return p.pick(gjson.GetBytes(body, "req.data.body.song.list"), q)
}

func (p *QQ) searchLegacy(ctx context.Context, q Query) (Candidate, error) {
	v := url.Values{}
	v.Set("ct", "24")
	v.Set("qqmusic_ver", "1298")
	v.Set("new_json", "1")
	v.Set("remoteplace", "txt.yqq.center")
	v.Set("t", "0")
	v.Set("aggr", "1")
	v.Set("cr", "1")
	v.Set("catZhida", "1")
	v.Set("lossless", "0")
	v.Set("flag_qc", "0")
	v.Set("p", "1")
	v.Set("n", "20")
	v.Set("w", q.Keyword())
	v.Set("format", "json")
	v.Set("inCharset", "utf8")
	v.Set("outCharset", "utf-8")

	body, err := get(ctx, p.client, p.legacyURL+"?"+v.Encode(), p.headers())
	if err != nil {
		return Candidate{}, fmt.Errorf("qq legacy search: %w", err)
	}
	return p.pick(gjson.GetBytes(body, "data.song.list"), q)
}

func (p *QQ) pick(songs gjson.Result, q Query) (Candidate, error) {
	var list []Candidate
	songs.ForEach(func(_, s gjson.Result) bool {
		var artists []string
		s.Get("singer.#.name").ForEach(func(_, n gjson.Result) bool {
			artists = append(artists, n.String())
			return true
		})
		list = append(list, Candidate{
			ID:         s.Get("mid").String(),
			Name:       s.Get("name").String(),
			Artists:    artists,
			Album:      s.Get("album.name").String(),
			DurationMs: s.Get("interval").Int() * 1000,
			Extra:      map[string]string{"media_mid": s.Get("file.media_mid").String()},
		})
		return true
	})

	c, ok := PickByDuration(list, q.DurationMs)
	if !ok || c.ID == "" {
		return Candidate{}, fmt.Errorf("qq: %w", ErrNotFound)
	}
	return c, nil
}

func (p *QQ) track(ctx context.Context, song Candidate, f qqFile) (AudioResult, error) {
	mediaMID := song.Extra["media_mid"]
	if mediaMID == "" {
		mediaMID = song.ID
	}

	payload, err := json.Marshal(map[string]any{
		"req_0": map[string]any{
			"module": "vkey.GetVkeyServer",
			"method": "CgiGetVkey",
			"param": map[string]any{
				"guid":      "7332953645",
				"loginflag": 1,
				"filename":  []string{f.prefix + mediaMID + f.ext},
				"songmid":   []string{song.ID},
				"songtype":  []int{0},
				"uin":       p.uin,
				"platform":  "20",
			},
		},
		"comm": map[string]any{"uin": p.uin, "format": "json", "ct": 24, "cv": 0},
	})
	if err != nil {
		return AudioResult{}, err
	}

	body, err := get(ctx, p.client, p.musicuURL+"?data="+url.QueryEscape(string(payload)), p.headers())
	if err != nil {
		return AudioResult{}, fmt.Errorf("qq %s: %w", f.prefix, err)
	}
	data := gjson.GetBytes(body, "req_0.data")
	purl := data.Get("midurlinfo.0.purl").String()
	if purl == "" {
		return AudioResult{}, fmt.Errorf("qq %s: %w", f.prefix, ErrUnavailable)
	}
	host := data.Get("sip.0").String()
	if host == "" {
		host = p.streamHost
	}

	return AudioResult{
		URL:        strings.TrimSuffix(host, "/") + "/" + strings.TrimPrefix(purl, "/"),
		Bitrate:    f.bitrate,
		Type:       strings.TrimPrefix(f.ext, "."),
		Source:     p.Name(),
		DurationMs: song.DurationMs,
	}, nil
}
