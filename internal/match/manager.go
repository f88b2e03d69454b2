// Package match runs source providers for a track and returns the first
// playable stream.
package match

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rsclarke/tunegate/internal/cache"
	"github.com/rsclarke/tunegate/internal/logging"
	"github.com/rsclarke/tunegate/internal/source"
)

// ErrUnresolved is returned when every provider failed for a track.
var ErrUnresolved = errors.New("no provider resolved the track")

// Cache lifetimes for resolved streams and song metadata.
const (
	DefaultResultTTL = 30 * time.Minute
	DefaultLookupTTL = time.Hour
)

// Options configures a Manager.
type Options struct {
	Providers []source.Provider
	Prober    *source.Prober
	// Client is used for the song detail lookup.
	Client *http.Client
	Logger *zap.Logger

	// Queries and Results are created in memory when nil.
	Queries *cache.Store[source.Query]
	Results *cache.Store[source.AudioResult]

	ResultTTL        time.Duration
	LookupTTL        time.Duration
	SelectMaxBitrate bool

	// DetailURL overrides the song detail endpoint.
	DetailURL string
}

// Manager resolves tracks through an ordered provider list.
type Manager struct {
	providers []source.Provider
	prober    *source.Prober
	client    *http.Client
	logger    *zap.Logger
	queries   *cache.Store[source.Query]
	results   *cache.Store[source.AudioResult]
	resultTTL time.Duration
	lookupTTL time.Duration
	selectMax bool
	detailURL string
}

// NewManager creates a Manager from opts.
func NewManager(opts Options) *Manager {
	m := &Manager{
		providers: opts.Providers,
		prober:    opts.Prober,
		client:    opts.Client,
		logger:    opts.Logger,
		queries:   opts.Queries,
		results:   opts.Results,
		resultTTL: opts.ResultTTL,
		lookupTTL: opts.LookupTTL,
		selectMax: opts.SelectMaxBitrate,
		detailURL: opts.DetailURL,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 10 * time.Second}
	}
	if m.queries == nil {
		m.queries = cache.New[source.Query](cache.Options{Logger: m.logger})
	}
	if m.results == nil {
		m.results = cache.New[source.AudioResult](cache.Options{Logger: m.logger})
	}
	if m.resultTTL == 0 {
		m.resultTTL = DefaultResultTTL
	}
	if m.lookupTTL == 0 {
		m.lookupTTL = DefaultLookupTTL
	}
	if m.detailURL == "" {
		m.detailURL = defaultDetailURL
	}
	return m
}

// Providers returns the configured provider names in order.
func (m *Manager) Providers() []string {
	names := make([]string, len(m.providers))
	for i, p := range m.providers {
		names[i] = p.Name()
	}
	return names
}

// ResolveTrack looks the track up on the origin once, then resolves it.
// Results are memoized per track id.
func (m *Manager) ResolveTrack(ctx context.Context, id int64) (source.AudioResult, error) {
	return m.results.GetOrLoad(ctx, strconv.FormatInt(id, 10), m.resultTTL, func(ctx context.Context) (source.AudioResult, error) {
		q, err := m.Lookup(ctx, id)
		if err != nil {
			// providers that key on the id alone can still answer
			m.logger.Debug("song lookup failed", logging.TrackID(id), zap.Error(err))
			q = source.Query{ID: id}
		}
		return m.Resolve(ctx, q)
	})
}

// Resolve runs the providers for q. Provider failures are logged and never
// returned; ErrUnresolved means all of them failed.
func (m *Manager) Resolve(ctx context.Context, q source.Query) (source.AudioResult, error) {
	var (
		res source.AudioResult
		err error
	)
	if m.selectMax {
		res, err = m.resolveBest(ctx, q)
	} else {
		res, err = m.resolveFirst(ctx, q)
	}
	if err != nil {
		return source.AudioResult{}, err
	}
	return m.complete(ctx, res), nil
}

func (m *Manager) resolveFirst(ctx context.Context, q source.Query) (source.AudioResult, error) {
	for _, p := range m.providers {
		if err := ctx.Err(); err != nil {
			return source.AudioResult{}, err
		}
		res, err := p.Check(ctx, q)
		if err != nil {
			m.logger.Debug("provider failed",
				logging.Provider(p.Name()),
				logging.TrackID(q.ID),
				zap.Error(err))
			continue
		}
		m.logger.Debug("provider resolved",
			logging.Provider(p.Name()),
			logging.TrackID(q.ID),
			logging.Bitrate(res.Bitrate))
		return res, nil
	}
	return source.AudioResult{}, ErrUnresolved
}

// resolveBest runs every provider at once and keeps the highest bitrate.
// Ties go to the provider listed first.
func (m *Manager) resolveBest(ctx context.Context, q source.Query) (source.AudioResult, error) {
	results := make([]*source.AudioResult, len(m.providers))

	var g errgroup.Group
	for i, p := range m.providers {
		g.Go(func() error {
			res, err := p.Check(ctx, q)
			if err != nil {
				m.logger.Debug("provider failed",
					logging.Provider(p.Name()),
					logging.TrackID(q.ID),
					zap.Error(err))
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return source.AudioResult{}, err
	}

	var best *source.AudioResult
	for _, r := range results {
		if r != nil && (best == nil || r.Bitrate > best.Bitrate) {
			best = r
		}
	}
	if best == nil {
		return source.AudioResult{}, ErrUnresolved
	}
	return *best, nil
}

// complete fills size, bitrate and md5 from a probe of the stream when a
// provider left them out.
func (m *Manager) complete(ctx context.Context, res source.AudioResult) source.AudioResult {
	if m.prober != nil && (res.Size == 0 || res.Bitrate == 0 || res.MD5 == "") {
		p, err := m.prober.Probe(ctx, res.URL, res.Headers)
		if err != nil {
			m.logger.Debug("probe failed", logging.Provider(res.Source), zap.Error(err))
		} else {
			if res.Size == 0 {
				res.Size = p.Size
			}
			if res.Bitrate == 0 {
				res.Bitrate = p.Bitrate
			}
			if res.MD5 == "" {
				res.MD5 = p.MD5
			}
		}
	}
	if res.Bitrate == 0 {
		res.Bitrate = source.Bitrate128
	}
	return res
}
