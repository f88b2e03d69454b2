// Package source resolves playable audio for a track from third-party
// catalogs. Every catalog is a Provider; the match package tries them in
// order.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/cache"
)

// Nominal bitrates in bits per second. Lossless results always report
// BitrateLossless regardless of their real rate; the client keys the
// "flac" type off this value.
const (
	BitrateLossless = 999000
	Bitrate320      = 320000
	Bitrate192      = 192000
	Bitrate128      = 128000
)

var (
	// ErrNotFound means the catalog search produced no usable candidate.
	ErrNotFound = errors.New("no matching track")
	// ErrUnavailable means a candidate was found but no stream URL resolved.
	ErrUnavailable = errors.New("track unavailable")
	// ErrRejected means a resolved URL failed the size probe.
	ErrRejected = errors.New("url rejected by probe")
)

// Query describes the track to look up. It is built once per track.
type Query struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Artists    []string `json:"artists,omitempty"`
	Album      string   `json:"album,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Search     string   `json:"search,omitempty"`
}

// Keyword is the free-text search string for q.
func (q Query) Keyword() string {
	if q.Name == "" {
		return strings.TrimSpace(q.Search)
	}
	if len(q.Artists) == 0 {
		return q.Name
	}
	return q.Name + " " + strings.Join(q.Artists, " ")
}

// AudioResult is one resolved stream.
type AudioResult struct {
	URL        string            `json:"url"`
	Bitrate    int               `json:"br"`
	Size       int64             `json:"size"`
	MD5        string            `json:"md5,omitempty"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Headers    map[string]string `json:"headers,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// Candidate is a catalog search hit. Extra carries provider-specific ids
// (hashes, album ids, bvids) so candidates can be cached as JSON.
type Candidate struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Artists    []string          `json:"artists,omitempty"`
	Album      string            `json:"album,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Provider resolves audio from one catalog.
type Provider interface {
	Name() string
	Check(ctx context.Context, q Query) (AudioResult, error)
}

// Cookies holds optional per-catalog session cookies.
type Cookies struct {
	QQ       string
	Migu     string
	Joox     string
	Bilibili string
}

// Deps are the shared collaborators handed to every provider constructor.
type Deps struct {
	Client     *http.Client
	Searches   *cache.Store[Candidate]
	Prober     *Prober
	Logger     *zap.Logger
	EnableFlac bool
	Cookies    Cookies
	// NoCache is forwarded to provider-private stores such as signing keys.
	NoCache bool
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if d.Prober == nil {
		d.Prober = &Prober{Client: d.Client}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

var constructors = map[string]func(Deps) Provider{
	"kugou":     func(d Deps) Provider { return newKugou(d) },
	"kuwo":      func(d Deps) Provider { return newKuwo(d) },
	"migu":      func(d Deps) Provider { return newMigu(d) },
	"qq":        func(d Deps) Provider { return newQQ(d) },
	"joox":      func(d Deps) Provider { return newJoox(d) },
	"bilibili":  func(d Deps) Provider { return newBilibili(d) },
	"bilivideo": func(d Deps) Provider { return newBiliVideo(d) },
	"pyncmd":    func(d Deps) Provider { return newPyncmd(d) },
	"youtube":   func(d Deps) Provider { return newYouTube(d) },
}

// Names lists every known provider name in sorted order.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the named provider.
func New(name string, d Deps) (Provider, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return ctor(d.withDefaults()), nil
}

// NewAll builds providers in the given order.
func NewAll(names []string, d Deps) ([]Provider, error) {
	providers := make([]Provider, 0, len(names))
	for _, n := range names {
		p, err := New(n, d)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

const (
	pickWindow    = 5
	pickTolerance = 5000 // ms, exclusive
)

// PickByDuration chooses among search hits. It considers the first five,
// returns the first whose duration is within 5s of durationMs, and
// otherwise falls back to the first hit.
func PickByDuration(list []Candidate, durationMs int64) (Candidate, bool) {
	if len(list) == 0 {
		return Candidate{}, false
	}
	window := list
	if len(window) > pickWindow {
		window = window[:pickWindow]
	}
	if durationMs > 0 {
		for _, c := range window {
			d := c.DurationMs - durationMs
			if d < 0 {
				d = -d
			}
			if d < pickTolerance {
				return c, true
			}
		}
	}
	return list[0], true
}

// searcher caches one provider's search step under "name:keyword".
type searcher struct {
	name  string
	ttl   time.Duration
	store *cache.Store[Candidate]
}

func (s searcher) find(ctx context.Context, q Query, fn func(context.Context) (Candidate, error)) (Candidate, error) {
	kw := q.Keyword()
	if kw == "" {
		return Candidate{}, fmt.Errorf("%s: %w: empty keyword", s.name, ErrNotFound)
	}
	if s.store == nil {
		return fn(ctx)
	}
	return s.store.GetOrLoad(ctx, s.name+":"+kw, s.ttl, fn)
}

// exhausted reports that every format on a provider's ladder failed.
func exhausted(provider string, errs []error) error {
	return fmt.Errorf("%s: %w", provider, errors.Join(append([]error{ErrUnavailable}, errs...)...))
}
