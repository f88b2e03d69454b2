package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const biliReferer = "https://www.bilibili.com/"

// Bilibili resolves through the audio section of the video site.
type Bilibili struct {
	client    *http.Client
	searches  searcher
	searchURL string
	trackURL  string
}

func newBilibili(d Deps) *Bilibili {
	return &Bilibili{
		client:    d.Client,
		searches:  searcher{name: "bilibili", ttl: 3 * time.Hour, store: d.Searches},
		searchURL: "https://api.bilibili.com/audio/music-service-c/s",
		trackURL:  "https://www.bilibili.com/audio/music-service-c/web/url",
	}
}

func (b *Bilibili) Name() string { return "bilibili" }

func (b *Bilibili) Check(ctx context.Context, q Query) (AudioResult, error) {
	song, err := b.searches.find(ctx, q, func(ctx context.Context) (Candidate, error) {
		return b.search(ctx, q)
	})
	if err != nil {
		return AudioResult{}, err
	}
	return b.track(ctx, song)
}

func (b *Bilibili) search(ctx context.Context, q Query) (Candidate, error) {
	v := url.Values{}
	v.Set("search_type", "music")
	v.Set("page", "1")
	v.Set("pagesize", "30")
	v.Set("keyword", q.Keyword())

	body, err := get(ctx, b.client, b.searchURL+"?"+v.Encode(), map[string]string{"Referer": biliReferer})
	if err != nil {
		return Candidate{}, fmt.Errorf("bilibili search: %w", err)
	}

	var list []Candidate
	gjson.GetBytes(body, "data.result").ForEach(func(_, s gjson.Result) bool {
		list = append(list, Candidate{
			ID:         s.Get("id").String(),
			Name:       s.Get("title").String(),
			Artists:    splitArtists(s.Get("author").String(), "、", ","),
			DurationMs: s.Get("duration").Int() * 1000,
		})
		return true
	})

	c, ok := PickByDuration(list, q.DurationMs)
	if !ok || c.ID == "" {
		return Candidate{}, fmt.Errorf("bilibili: %w", ErrNotFound)
	}
	return c, nil
}

func (b *Bilibili) track(ctx context.Context, song Candidate) (AudioResult, error) {
	v := url.Values{}
	v.Set("rivilege", "2")
	v.Set("quality", "2")
	v.Set("sid", song.ID)

	body, err := get(ctx, b.client, b.trackURL+"?"+v.Encode(), map[string]string{"Referer": biliReferer})
	if err != nil {
		return AudioResult{}, fmt.Errorf("bilibili track: %w", err)
	}
	if code := gjson.GetBytes(body, "code").Int(); code != 0 {
		return AudioResult{}, fmt.Errorf("bilibili: %w: code %d", ErrUnavailable, code)
	}
	cdn := gjson.GetBytes(body, "data.cdns.0").String()
	if cdn == "" {
		return AudioResult{}, fmt.Errorf("bilibili: %w", ErrUnavailable)
	}

	return AudioResult{
		URL:        strings.Replace(cdn, "https://", "http://", 1),
		Bitrate:    Bitrate320,
		Size:       gjson.GetBytes(body, "data.size").Int(),
		Type:       "mp3",
		Source:     b.Name(),
		Headers:    map[string]string{"Referer": biliReferer},
		DurationMs: song.DurationMs,
	}, nil
}
