package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/rsclarke/tunegate/internal/cache"
)

// WBI signing keys rotate daily; search results signed with them are kept
// for less than the key lifetime.
const (
	wbiKeyTTL          = 6 * time.Hour
	biliVideoSearchTTL = time.Hour
)

var mixinKeyEncTab = [...]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 0, 1, 60, 51, 30, 4, 22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11,
	36, 20, 34, 44, 52,
}

var htmlTag = regexp.MustCompile(`<[^>]+>`)

type wbiKeys struct {
	Img string `json:"img"`
	Sub string `json:"sub"`
}

// BiliVideo searches videos and takes the best DASH audio track. Every API
// call is WBI-signed with a mixin key derived from the nav endpoint.
type BiliVideo struct {
	client     *http.Client
	searches   searcher
	keys       *cache.Store[wbiKeys]
	cookie     string
	enableFlac bool
	now        func() time.Time
	apiBase    string
}

func newBiliVideo(d Deps) *BiliVideo {
	cookie := d.Cookies.Bilibili
	if cookie == "" {
		// search answers -412 without any buvid3
		cookie = "buvid3=" + strings.ToUpper(uuid.NewString()) + "infoc"
	}
	return &BiliVideo{
		client:     d.Client,
		searches:   searcher{name: "bilivideo", ttl: biliVideoSearchTTL, store: d.Searches},
		keys:       cache.New[wbiKeys](cache.Options{NoCache: d.NoCache, Logger: d.Logger, Now: d.Now}),
		cookie:     cookie,
		enableFlac: d.EnableFlac,
		now:        d.Now,
		apiBase:    "https://api.bilibili.com",
	}
}

func (b *BiliVideo) Name() string { return "bilivideo" }

func (b *BiliVideo) headers() map[string]string {
	return map[string]string{
		"Referer": biliReferer,
		"Cookie":  b.cookie,
	}
}

func (b *BiliVideo) Check(ctx context.Context, q Query) (AudioResult, error) {
	song, err := b.searches.find(ctx, q, func(ctx context.Context) (Candidate, error) {
		return b.search(ctx, q)
	})
	if err != nil {
		return AudioResult{}, err
	}
	return b.track(ctx, song)
}

func (b *BiliVideo) wbi(ctx context.Context) (wbiKeys, error) {
	return b.keys.GetOrLoad(ctx, "wbi", wbiKeyTTL, func(ctx context.Context) (wbiKeys, error) {
		body, err := get(ctx, b.client, b.apiBase+"/x/web-interface/nav", b.headers())
		if err != nil {
			return wbiKeys{}, fmt.Errorf("bilivideo nav: %w", err)
		}
		img := gjson.GetBytes(body, "data.wbi_img.img_url").String()
		sub := gjson.GetBytes(body, "data.wbi_img.sub_url").String()
		k := wbiKeys{Img: keyFromURL(img), Sub: keyFromURL(sub)}
		if k.Img == "" || k.Sub == "" {
			return wbiKeys{}, fmt.Errorf("bilivideo nav: %w: no wbi keys", ErrUnavailable)
		}
		return k, nil
	})
}

func keyFromURL(raw string) string {
	base := path.Base(raw)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// mixinKey scrambles img+sub through the fixed permutation table.
func mixinKey(orig string) string {
	var sb strings.Builder
	for _, i := range mixinKeyEncTab {
		if i < len(orig) {
			sb.WriteByte(orig[i])
		}
	}
	s := sb.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// signWBI adds wts and w_rid to params and returns the encoded query.
func signWBI(params map[string]string, keys wbiKeys, now time.Time) string {
	params["wts"] = strconv.FormatInt(now.Unix(), 10)

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, k := range names {
		v := strings.Map(func(r rune) rune {
			if strings.ContainsRune("!'()*", r) {
				return -1
			}
			return r
		}, params[k])
		pairs = append(pairs, componentEscape(k)+"="+componentEscape(v))
	}
	query := strings.Join(pairs, "&")
	return query + "&w_rid=" + md5Hex(query+mixinKey(keys.Img+keys.Sub))
}

// componentEscape matches JavaScript's encodeURIComponent for the
// characters left after filtering.
func componentEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func (b *BiliVideo) search(ctx context.Context, q Query) (Candidate, error) {
	keys, err := b.wbi(ctx)
	if err != nil {
		return Candidate{}, err
	}
	query := signWBI(map[string]string{
		"search_type": "video",
		"keyword":     q.Keyword(),
		"page":        "1",
	}, keys, b.now())

	body, err := get(ctx, b.client, b.apiBase+"/x/web-interface/wbi/search/type?"+query, b.headers())
	if err != nil {
		return Candidate{}, fmt.Errorf("bilivideo search: %w", err)
	}

	var list []Candidate
	gjson.GetBytes(body, "data.result").ForEach(func(_, s gjson.Result) bool {
		list = append(list, Candidate{
			ID:         s.Get("bvid").String(),
			Name:       htmlTag.ReplaceAllString(s.Get("title").String(), ""),
			Artists:    []string{s.Get("author").String()},
			DurationMs: parseClock(s.Get("duration").String()),
		})
		return true
	})

	c, ok := PickByDuration(list, q.DurationMs)
	if !ok || c.ID == "" {
		return Candidate{}, fmt.Errorf("bilivideo: %w", ErrNotFound)
	}
	return c, nil
}

func (b *BiliVideo) track(ctx context.Context, song Candidate) (AudioResult, error) {
	view, err := get(ctx, b.client, b.apiBase+"/x/web-interface/view?bvid="+url.QueryEscape(song.ID), b.headers())
	if err != nil {
		return AudioResult{}, fmt.Errorf("bilivideo view: %w", err)
	}
	cid := gjson.GetBytes(view, "data.cid").String()
	if cid == "" {
		return AudioResult{}, fmt.Errorf("bilivideo view: %w: no cid", ErrUnavailable)
	}

	keys, err := b.wbi(ctx)
	if err != nil {
		return AudioResult{}, err
	}
	query := signWBI(map[string]string{
		"bvid":  song.ID,
		"cid":   cid,
		"fnval": "4048",
		"fnver": "0",
		"fourk": "1",
	}, keys, b.now())

	body, err := get(ctx, b.client, b.apiBase+"/x/player/wbi/playurl?"+query, b.headers())
	if err != nil {
		return AudioResult{}, fmt.Errorf("bilivideo playurl: %w", err)
	}
	dash := gjson.GetBytes(body, "data.dash")

	playback := map[string]string{"Referer": biliReferer, "User-Agent": browserUserAgent}

	if b.enableFlac {
		if u := firstURL(dash.Get("flac.audio")); u != "" {
			return AudioResult{
				URL:        u,
				Bitrate:    BitrateLossless,
				Type:       "flac",
				Source:     b.Name(),
				Headers:    playback,
				DurationMs: song.DurationMs,
			}, nil
		}
	}

	var best gjson.Result
	dash.Get("audio").ForEach(func(_, a gjson.Result) bool {
		if !best.Exists() || a.Get("bandwidth").Int() > best.Get("bandwidth").Int() {
			best = a
		}
		return true
	})
	u := firstURL(best)
	if u == "" {
		return AudioResult{}, fmt.Errorf("bilivideo: %w: no dash audio", ErrUnavailable)
	}

	return AudioResult{
		URL:        u,
		Bitrate:    int(best.Get("bandwidth").Int()),
		Type:       "m4a",
		Source:     b.Name(),
		Headers:    playback,
		DurationMs: song.DurationMs,
	}, nil
}

func firstURL(r gjson.Result) string {
	for _, field := range []string{"baseUrl", "base_url", "backupUrl.0", "backup_url.0"} {
		if u := r.Get(field).String(); u != "" {
			return u
		}
	}
	return ""
}

// parseClock converts "m:ss" or "h:mm:ss" into milliseconds.
func parseClock(s string) int64 {
	var total int64
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total * 1000
}
