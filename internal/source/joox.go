package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

var jooxFormats = []struct {
	field   string
	bitrate int
	ext     string
}{
	{"r320Url", Bitrate320, "mp3"},
	{"r192Url", Bitrate192, "mp3"},
	{"mp3Url", Bitrate128, "mp3"},
	{"m4aUrl", 96000, "m4a"},
}

// Joox serves the Hong Kong catalog. Song info answers with a JSONP
// wrapper and carries one URL per quality.
type Joox struct {
	client    *http.Client
	searches  searcher
	cookie    string
	now       func() time.Time
	searchURL string
	trackURL  string
}

func newJoox(d Deps) *Joox {
	return &Joox{
		client:    d.Client,
		searches:  searcher{name: "joox", ttl: 3 * time.Hour, store: d.Searches},
		cookie:    d.Cookies.Joox,
		now:       d.Now,
		searchURL: "http://api-jooxtt.sanook.com/web-fcgi-bin/web_search",
		trackURL:  "http://api.joox.com/web-fcgi-bin/web_get_songinfo",
	}
}

func (j *Joox) Name() string { return "joox" }

func (j *Joox) headers() map[string]string {
	h := map[string]string{"Origin": "http://www.joox.com", "Referer": "http://www.joox.com"}
	if j.cookie != "" {
		h["Cookie"] = j.cookie
	}
	return h
}

func (j *Joox) Check(ctx context.Context, q Query) (AudioResult, error) {
	song, err := j.searches.find(ctx, q, func(ctx context.Context) (Candidate, error) {
		return j.search(ctx, q)
	})
	if err != nil {
		return AudioResult{}, err
	}
	return j.track(ctx, song)
}

func (j *Joox) search(ctx context.Context, q Query) (Candidate, error) {
	v := url.Values{}
	v.Set("country", "hk")
	v.Set("lang", "zh_TW")
	v.Set("search_input", q.Keyword())
	v.Set("sin", "0")
	v.Set("ein", "30")

	body, err := get(ctx, j.client, j.searchURL+"?"+v.Encode(), j.headers())
	if err != nil {
		return Candidate{}, fmt.Errorf("joox search: %w", err)
	}

	var list []Candidate
	gjson.GetBytes(body, "itemlist").ForEach(func(_, s gjson.Result) bool {
		list = append(list, Candidate{
			ID:         s.Get("songid").String(),
			Name:       decodeBase64(s.Get("info1").String()),
			Artists:    splitArtists(decodeBase64(s.Get("info2").String()), " & "),
			Album:      decodeBase64(s.Get("info3").String()),
			DurationMs: s.Get("playtime").Int() * 1000,
		})
		return true
	})

	c, ok := PickByDuration(list, q.DurationMs)
	if !ok || c.ID == "" {
		return Candidate{}, fmt.Errorf("joox: %w", ErrNotFound)
	}
	return c, nil
}

func (j *Joox) track(ctx context.Context, song Candidate) (AudioResult, error) {
	v := url.Values{}
	v.Set("songid", song.ID)
	v.Set("country", "hk")
	v.Set("lang", "zh_cn")
	v.Set("from_type", "-1")
	v.Set("channel_id", "-1")
	v.Set("_", strconv.FormatInt(j.now().UnixMilli(), 10))

	body, err := get(ctx, j.client, j.trackURL+"?"+v.Encode(), j.headers())
	if err != nil {
		return AudioResult{}, fmt.Errorf("joox track: %w", err)
	}
	info := stripJSONP(body)

	for _, f := range jooxFormats {
		if u := gjson.GetBytes(info, f.field).String(); u != "" {
			return AudioResult{
				URL:        u,
				Bitrate:    f.bitrate,
				Type:       f.ext,
				Source:     j.Name(),
				DurationMs: song.DurationMs,
			}, nil
		}
	}
	return AudioResult{}, fmt.Errorf("joox: %w", ErrUnavailable)
}

// stripJSONP removes a "callback(...)" wrapper when present.
func stripJSONP(b []byte) []byte {
	b = bytes.TrimSpace(b)
	open := bytes.IndexByte(b, '(')
	end := bytes.LastIndexByte(b, ')')
	if open < 0 || end <= open || bytes.HasPrefix(b, []byte("{")) {
		return b
	}
	return b[open+1 : end]
}

func decodeBase64(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}
