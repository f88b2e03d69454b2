package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

type miguTone struct {
	flag    string
	bitrate int
	ext     string
}

// Migu searches the mobile site and asks the app listen-url API for each
// tone quality in turn. The API may hand back a lower tone than requested;
// such answers are skipped so the ladder stays honest.
type Migu struct {
	client    *http.Client
	prober    *Prober
	searches  searcher
	ladder    []miguTone
	cookie    string
	searchURL string
	trackURL  string
}

func newMigu(d Deps) *Migu {
	ladder := []miguTone{
		{"ZQ24", BitrateLossless, "flac"},
		{"SQ", BitrateLossless, "flac"},
		{"HQ", Bitrate320, "mp3"},
		{"PQ", Bitrate128, "mp3"},
	}
	if !d.EnableFlac {
		ladder = ladder[2:]
	}
	return &Migu{
		client:    d.Client,
		prober:    d.Prober,
		searches:  searcher{name: "migu", ttl: 3 * time.Hour, store: d.Searches},
		ladder:    ladder,
		cookie:    d.Cookies.Migu,
		searchURL: "https://m.music.migu.cn/migu/remoting/scr_search_tag",
		trackURL:  "https://app.c.nf.migu.cn/MIGUM2.0/strategy/listen-url/v2.4",
	}
}

func (m *Migu) Name() string { return "migu" }

func (m *Migu) Check(ctx context.Context, q Query) (AudioResult, error) {
	song, err := m.searches.find(ctx, q, func(ctx context.Context) (Candidate, error) {
		return m.search(ctx, q)
	})
	if err != nil {
		return AudioResult{}, err
	}

	var errs []error
	for _, tone := range m.ladder {
		res, err := m.track(ctx, song, tone, q.DurationMs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return res, nil
	}
	return AudioResult{}, exhausted(m.Name(), errs)
}

func (m *Migu) search(ctx context.Context, q Query) (Candidate, error) {
	v := url.Values{}
	v.Set("keyword", q.Keyword())
	v.Set("type", "2")
	v.Set("rows", "20")
	v.Set("pgc", "1")

	body, err := get(ctx, m.client, m.searchURL+"?"+v.Encode(), map[string]string{
		"Origin":  "http://music.migu.cn/",
		"Referer": "http://m.music.migu.cn/v3/",
	})
	if err != nil {
		return Candidate{}, fmt.Errorf("migu search: %w", err)
	}

	var list []Candidate
	gjson.GetBytes(body, "musics").ForEach(func(_, s gjson.Result) bool {
		list = append(list, Candidate{
			ID:      s.Get("id").String(),
			Name:    s.Get("songName").String(),
			Artists: splitArtists(s.Get("singerName").String(), ","),
			Album:   s.Get("albumName").String(),
		})
		return true
	})

	c, ok := PickByDuration(list, q.DurationMs)
	if !ok || c.ID == "" {
		return Candidate{}, fmt.Errorf("migu: %w", ErrNotFound)
	}
	return c, nil
}

func (m *Migu) track(ctx context.Context, song Candidate, tone miguTone, durationMs int64) (AudioResult, error) {
	v := url.Values{}
	v.Set("netType", "01")
	v.Set("resourceType", "2")
	v.Set("songId", song.ID)
	v.Set("toneFlag", tone.flag)

	header := map[string]string{"channel": "0146951", "uid": "1234"}
	if m.cookie != "" {
		header["aversionid"] = m.cookie
	}

	body, err := get(ctx, m.client, m.trackURL+"?"+v.Encode(), header)
	if err != nil {
		return AudioResult{}, fmt.Errorf("migu %s: %w", tone.flag, err)
	}
	data := gjson.GetBytes(body, "data")
	streamURL := data.Get("url").String()
	if streamURL == "" || data.Get("audioFormatType").String() != tone.flag {
		return AudioResult{}, fmt.Errorf("migu %s: %w", tone.flag, ErrUnavailable)
	}

	probe, err := m.prober.Validate(ctx, streamURL, nil, tone.bitrate, durationMs)
	if err != nil {
		return AudioResult{}, fmt.Errorf("migu %s: %w", tone.flag, err)
	}

	return AudioResult{
		URL:     streamURL,
		Bitrate: tone.bitrate,
		Size:    probe.Size,
		MD5:     probe.MD5,
		Type:    tone.ext,
		Source:  m.Name(),
	}, nil
}
