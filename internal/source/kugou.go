package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

type kugouFormat struct {
	field   string
	bitrate int
	ext     string
}

// Kugou searches the mobile catalog, then resolves a hash on the tracker CDN.
type Kugou struct {
	client    *http.Client
	prober    *Prober
	searches  searcher
	ladder    []kugouFormat
	searchURL string
	trackURL  string
}

func newKugou(d Deps) *Kugou {
	ladder := []kugouFormat{
		{"sqhash", BitrateLossless, "flac"},
		{"320hash", Bitrate320, "mp3"},
		{"hash", Bitrate128, "mp3"},
	}
	if !d.EnableFlac {
		ladder = ladder[1:]
	}
	return &Kugou{
		client:    d.Client,
		prober:    d.Prober,
		searches:  searcher{name: "kugou", ttl: 3 * time.Hour, store: d.Searches},
		ladder:    ladder,
		searchURL: "http://mobilecdn.kugou.com/api/v3/search/song",
		trackURL:  "http://trackercdn.kugou.com/i/v2/",
	}
}

func (k *Kugou) Name() string { return "kugou" }

func (k *Kugou) Check(ctx context.Context, q Query) (AudioResult, error) {
	song, err := k.searches.find(ctx, q, func(ctx context.Context) (Candidate, error) {
		return k.search(ctx, q)
	})
	if err != nil {
		return AudioResult{}, err
	}

	var errs []error
	for _, f := range k.ladder {
		hash := song.Extra[f.field]
		if hash == "" {
			continue
		}
		res, err := k.track(ctx, song, hash, f, q.DurationMs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return res, nil
	}
	return AudioResult{}, exhausted(k.Name(), errs)
}

func (k *Kugou) search(ctx context.Context, q Query) (Candidate, error) {
	v := url.Values{}
	v.Set("keyword", q.Keyword())
	v.Set("page", "1")
	v.Set("pagesize", "10")
	v.Set("showtype", "1")

	body, err := get(ctx, k.client, k.searchURL+"?"+v.Encode(), nil)
	if err != nil {
		return Candidate{}, fmt.Errorf("kugou search: %w", err)
	}

	var list []Candidate
	gjson.GetBytes(body, "data.info").ForEach(func(_, s gjson.Result) bool {
		list = append(list, Candidate{
			ID:         s.Get("hash").String(),
			Name:       s.Get("songname").String(),
			Artists:    splitArtists(s.Get("singername").String(), "、"),
			Album:      s.Get("album_name").String(),
			DurationMs: s.Get("duration").Int() * 1000,
			Extra: map[string]string{
				"hash":     s.Get("hash").String(),
				"320hash":  s.Get("320hash").String(),
				"sqhash":   s.Get("sqhash").String(),
				"album_id": s.Get("album_id").String(),
			},
		})
		return true
	})

	c, ok := PickByDuration(list, q.DurationMs)
	if !ok {
		return Candidate{}, fmt.Errorf("kugou: %w", ErrNotFound)
	}
	return c, nil
}

func (k *Kugou) track(ctx context.Context, song Candidate, hash string, f kugouFormat, durationMs int64) (AudioResult, error) {
	v := url.Values{}
	v.Set("key", md5Hex(hash+"kgcloudv2"))
	v.Set("hash", hash)
	v.Set("appid", "1005")
	v.Set("pid", "2")
	v.Set("cmd", "25")
	v.Set("behavior", "play")
	v.Set("album_id", song.Extra["album_id"])

	body, err := get(ctx, k.client, k.trackURL+"?"+v.Encode(), nil)
	if err != nil {
		return AudioResult{}, fmt.Errorf("kugou %s: %w", f.field, err)
	}
	streamURL := gjson.GetBytes(body, "url.0").String()
	if streamURL == "" {
		return AudioResult{}, fmt.Errorf("kugou %s: %w", f.field, ErrUnavailable)
	}

	probe, err := k.prober.Validate(ctx, streamURL, nil, f.bitrate, durationMs)
	if err != nil {
		return AudioResult{}, fmt.Errorf("kugou %s: %w", f.field, err)
	}

	return AudioResult{
		URL:        streamURL,
		Bitrate:    f.bitrate,
		Size:       probe.Size,
		MD5:        probe.MD5,
		Type:       f.ext,
		Source:     k.Name(),
		DurationMs: song.DurationMs,
	}, nil
}
