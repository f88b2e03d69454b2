package match

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/rsclarke/tunegate/internal/source"
)

const defaultDetailURL = "https://music.163.com/api/song/detail"

// Lookup fetches the song name, artists, album and duration for id from the
// origin catalog. Answers are cached for the lookup TTL.
func (m *Manager) Lookup(ctx context.Context, id int64) (source.Query, error) {
	return m.queries.GetOrLoad(ctx, strconv.FormatInt(id, 10), m.lookupTTL, func(ctx context.Context) (source.Query, error) {
		return m.fetchDetail(ctx, id)
	})
}

func (m *Manager) fetchDetail(ctx context.Context, id int64) (source.Query, error) {
	u := m.detailURL + "?ids=" + url.QueryEscape("["+strconv.FormatInt(id, 10)+"]")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return source.Query{}, err
	}
	req.Header.Set("Referer", "https://music.163.com/")

	resp, err := m.client.Do(req)
	if err != nil {
		return source.Query{}, fmt.Errorf("song detail: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return source.Query{}, fmt.Errorf("song detail: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return source.Query{}, fmt.Errorf("song detail: status %d", resp.StatusCode)
	}

	song := gjson.GetBytes(body, "songs.0")
	if !song.Exists() || song.Get("name").String() == "" {
		return source.Query{}, fmt.Errorf("song detail %d: %w", id, source.ErrNotFound)
	}

	q := source.Query{
		ID:         id,
		Name:       song.Get("name").String(),
		Album:      song.Get("album.name").String(),
		DurationMs: song.Get("duration").Int(),
	}
	song.Get("artists.#.name").ForEach(func(_, n gjson.Result) bool {
		q.Artists = append(q.Artists, n.String())
		return true
	})
	return q, nil
}
