package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// Pyncmd asks a public mirror of the original catalog for the same track
// id. There is no search step, so it works without song metadata.
type Pyncmd struct {
	client     *http.Client
	enableFlac bool
	apiURL     string
}

func newPyncmd(d Deps) *Pyncmd {
	return &Pyncmd{
		client:     d.Client,
		enableFlac: d.EnableFlac,
		apiURL:     "https://music-api.gdstudio.xyz/api.php",
	}
}

func (p *Pyncmd) Name() string { return "pyncmd" }

func (p *Pyncmd) Check(ctx context.Context, q Query) (AudioResult, error) {
	if q.ID <= 0 {
		return AudioResult{}, fmt.Errorf("pyncmd: %w: no track id", ErrNotFound)
	}
	br := "320"
	if p.enableFlac {
		br = "999"
	}

	v := url.Values{}
	v.Set("types", "url")
	v.Set("source", "netease")
	v.Set("id", strconv.FormatInt(q.ID, 10))
	v.Set("br", br)

	body, err := get(ctx, p.client, p.apiURL+"?"+v.Encode(), nil)
	if err != nil {
		return AudioResult{}, fmt.Errorf("pyncmd: %w", err)
	}

	streamURL := gjson.GetBytes(body, "url").String()
	kbps := gjson.GetBytes(body, "br").Int()
	if streamURL == "" || kbps <= 0 {
		return AudioResult{}, fmt.Errorf("pyncmd: %w", ErrUnavailable)
	}

	res := AudioResult{
		URL:        streamURL,
		Bitrate:    int(kbps) * 1000,
		Size:       gjson.GetBytes(body, "size").Int() * 1024,
		Type:       "mp3",
		Source:     p.Name(),
		DurationMs: q.DurationMs,
	}
	if kbps >= 999 {
		res.Bitrate = BitrateLossless
		res.Type = "flac"
	}
	return res, nil
}
