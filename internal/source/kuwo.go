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

// Kuwo searches the comprehensive search API and converts a rid to a
// signed stream URL, stepping down the quality ladder.
type Kuwo struct {
	client    *http.Client
	prober    *Prober
	searches  searcher
	ladder    []string
	searchURL string
	trackURL  string
}

func newKuwo(d Deps) *Kuwo {
	ladder := []string{"2000kflac", "320kmp3", "128kmp3"}
	if !d.EnableFlac {
		ladder = ladder[1:]
	}
	return &Kuwo{
		client:    d.Client,
		prober:    d.Prober,
		searches:  searcher{name: "kuwo", ttl: 3 * time.Hour, store: d.Searches},
		ladder:    ladder,
		searchURL: "http://search.kuwo.cn/r.s",
		trackURL:  "http://mobi.kuwo.cn/mobi.s",
	}
}

func (k *Kuwo) Name() string { return "kuwo" }

func (k *Kuwo) Check(ctx context.Context, q Query) (AudioResult, error) {
	song, err := k.searches.find(ctx, q, func(ctx context.Context) (Candidate, error) {
		return k.search(ctx, q)
	})
	if err != nil {
		return AudioResult{}, err
	}

	var errs []error
	for _, br := range k.ladder {
		res, err := k.track(ctx, song, br, q.DurationMs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return res, nil
	}
	return AudioResult{}, exhausted(k.Name(), errs)
}

func (k *Kuwo) search(ctx context.Context, q Query) (Candidate, error) {
	v := url.Values{}
	v.Set("all", strings.ReplaceAll(q.Keyword(), " - ", " "))
	v.Set("correct", "1")
	v.Set("vipver", "1")
	v.Set("stype", "comprehensive")
	v.Set("encoding", "utf8")
	v.Set("rformat", "json")
	v.Set("mobi", "1")
	v.Set("show_copyright_off", "1")
	v.Set("searchapi", "6")

	body, err := get(ctx, k.client, k.searchURL+"?"+v.Encode(), nil)
	if err != nil {
		return Candidate{}, fmt.Errorf("kuwo search: %w", err)
	}

	var list []Candidate
	gjson.GetBytes(body, "content.1.musicpage.abslist").ForEach(func(_, s gjson.Result) bool {
		rid := s.Get("MUSICRID").String()
		if i := strings.LastIndexByte(rid, '_'); i >= 0 {
			rid = rid[i+1:]
		}
		list = append(list, Candidate{
			ID:         rid,
			Name:       s.Get("SONGNAME").String(),
			Artists:    splitArtists(s.Get("ARTIST").String(), "&"),
			Album:      s.Get("ALBUM").String(),
			DurationMs: s.Get("DURATION").Int() * 1000,
		})
		return true
	})

	c, ok := PickByDuration(list, q.DurationMs)
	if !ok || c.ID == "" {
		return Candidate{}, fmt.Errorf("kuwo: %w", ErrNotFound)
	}
	return c, nil
}

func (k *Kuwo) track(ctx context.Context, song Candidate, br string, durationMs int64) (AudioResult, error) {
	v := url.Values{}
	v.Set("f", "web")
	v.Set("source", "kwplayercar_ar_6.0.0.9_B_jiakong_vh.apk")
	v.Set("from", "PC")
	v.Set("type", "convert_url_with_sign")
	v.Set("br", br)
	v.Set("rid", song.ID)

	body, err := get(ctx, k.client, k.trackURL+"?"+v.Encode(), map[string]string{"User-Agent": "okhttp/3.10.0"})
	if err != nil {
		return AudioResult{}, fmt.Errorf("kuwo %s: %w", br, err)
	}
	data := gjson.GetBytes(body, "data")
	streamURL := data.Get("url").String()
	if streamURL == "" {
		return AudioResult{}, fmt.Errorf("kuwo %s: %w", br, ErrUnavailable)
	}

	format := strings.ToLower(data.Get("format").String())
	if format == "" {
		format = "mp3"
	}
	bitrate := int(data.Get("bitrate").Int()) * 1000
	if format == "flac" {
		bitrate = BitrateLossless
	}
	if bitrate <= 0 {
		bitrate = Bitrate128
	}

	probe, err := k.prober.Validate(ctx, streamURL, nil, bitrate, durationMs)
	if err != nil {
		return AudioResult{}, fmt.Errorf("kuwo %s: %w", br, err)
	}

	return AudioResult{
		URL:        streamURL,
		Bitrate:    bitrate,
		Size:       probe.Size,
		MD5:        probe.MD5,
		Type:       format,
		Source:     k.Name(),
		DurationMs: song.DurationMs,
	}, nil
}
