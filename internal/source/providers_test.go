package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rsclarke/tunegate/internal/cache"
)

func testDeps(srv *httptest.Server) Deps {
	return Deps{
		Client:   srv.Client(),
		Searches: cache.New[Candidate](cache.Options{}),
	}.withDefaults()
}

// kugouServer serves search, tracker and audio endpoints. Streams report
// size bytes in total.
func kugouServer(t *testing.T, size int64, searches *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		searches.Add(1)
		if r.URL.Query().Get("keyword") != "Song Artist" {
			t.Errorf("keyword = %q", r.URL.Query().Get("keyword"))
		}
		_, _ = fmt.Fprint(w, `{"data":{"info":[
			{"hash":"H128","320hash":"H320","sqhash":"HSQ","songname":"Other","singername":"X","duration":30,"album_id":"1"},
			{"hash":"G128","320hash":"G320","sqhash":"","songname":"Song","singername":"Artist","duration":200,"album_id":"7"}
		]}}`)
	})
	mux.HandleFunc("/track", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != md5Hex(q.Get("hash")+"kgcloudv2") {
			t.Errorf("bad key for %s", q.Get("hash"))
		}
		_, _ = fmt.Fprintf(w, `{"status":1,"url":["%s/audio/%s.mp3"]}`, srv.URL, q.Get("hash"))
	})
	mux.HandleFunc("/audio/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-8191" {
			t.Errorf("Range = %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-3/%d", size))
		w.Header().Set("ETag", `"0123456789abcdef0123456789abcdef"`)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte{0xff, 0xfb, 0xe0, 0x00})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestKugouResolvesBestFormat(t *testing.T) {
	var searches atomic.Int32
	srv := kugouServer(t, 9000000, &searches)

	k := newKugou(testDeps(srv))
	k.searchURL = srv.URL + "/search"
	k.trackURL = srv.URL + "/track"

	q := Query{ID: 1, Name: "Song", Artists: []string{"Artist"}, DurationMs: 201000}
	for i := 0; i < 2; i++ {
		res, err := k.Check(context.Background(), q)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !strings.HasSuffix(res.URL, "/audio/G320.mp3") {
			t.Errorf("URL = %q", res.URL)
		}
		if res.Bitrate != Bitrate320 || res.Type != "mp3" || res.Source != "kugou" {
			t.Errorf("result = %+v", res)
		}
		if res.Size != 9000000 || res.MD5 != "0123456789abcdef0123456789abcdef" {
			t.Errorf("size/md5 = %d/%q", res.Size, res.MD5)
		}
	}
	if n := searches.Load(); n != 1 {
		t.Errorf("search called %d times, want 1", n)
	}
}

func TestKugouRejectsTruncatedStreams(t *testing.T) {
	var searches atomic.Int32
	srv := kugouServer(t, 1024, &searches)

	k := newKugou(testDeps(srv))
	k.searchURL = srv.URL + "/search"
	k.trackURL = srv.URL + "/track"

	_, err := k.Check(context.Background(), Query{Name: "Song", Artists: []string{"Artist"}, DurationMs: 200000})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected in chain", err)
	}
}

func TestPyncmd(t *testing.T) {
	tests := []struct {
		name       string
		enableFlac bool
		body       string
		wantBR     string
		want       AudioResult
		wantErr    error
	}{
		{
			name:       "lossless",
			enableFlac: true,
			body:       `{"url":"http://cdn.example/a.flac","br":999,"size":30000}`,
			wantBR:     "999",
			want:       AudioResult{URL: "http://cdn.example/a.flac", Bitrate: BitrateLossless, Size: 30000 * 1024, Type: "flac", Source: "pyncmd"},
		},
		{
			name:   "lossy",
			body:   `{"url":"http://cdn.example/a.mp3","br":320,"size":9000}`,
			wantBR: "320",
			want:   AudioResult{URL: "http://cdn.example/a.mp3", Bitrate: Bitrate320, Size: 9000 * 1024, Type: "mp3", Source: "pyncmd"},
		},
		{
			name:    "no bitrate",
			body:    `{"url":"http://cdn.example/a.mp3","br":0,"size":0}`,
			wantBR:  "320",
			wantErr: ErrUnavailable,
		},
		{
			name:    "no url",
			body:    `{"url":"","br":320}`,
			wantBR:  "320",
			wantErr: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("id") != "42" || q.Get("source") != "netease" || q.Get("types") != "url" {
					t.Errorf("query = %s", r.URL.RawQuery)
				}
				if q.Get("br") != tt.wantBR {
					t.Errorf("br = %q, want %q", q.Get("br"), tt.wantBR)
				}
				_, _ = fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			d := testDeps(srv)
			d.EnableFlac = tt.enableFlac
			p := newPyncmd(d)
			p.apiURL = srv.URL

			got, err := p.Check(context.Background(), Query{ID: 42})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if got.URL != tt.want.URL || got.Bitrate != tt.want.Bitrate || got.Size != tt.want.Size ||
				got.Type != tt.want.Type || got.Source != tt.want.Source {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPyncmdNeedsID(t *testing.T) {
	p := newPyncmd(Deps{}.withDefaults())
	if _, err := p.Check(context.Background(), Query{Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBiliVideoSignsRequests(t *testing.T) {
	var navCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/x/web-interface/nav", func(w http.ResponseWriter, r *http.Request) {
		navCalls.Add(1)
		_, _ = fmt.Fprint(w, `{"code":-101,"data":{"wbi_img":{
			"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",
			"sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`)
	})
	mux.HandleFunc("/x/web-interface/wbi/search/type", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("w_rid") == "" || q.Get("wts") == "" {
			t.Errorf("unsigned search: %s", r.URL.RawQuery)
		}
		if !strings.HasPrefix(r.Header.Get("Cookie"), "buvid3=") {
			t.Errorf("Cookie = %q", r.Header.Get("Cookie"))
		}
		_, _ = fmt.Fprint(w, `{"code":0,"data":{"result":[
			{"bvid":"BV1","title":"<em class=\"keyword\">Song</em> live","author":"up","duration":"9:59"},
			{"bvid":"BV2","title":"<em class=\"keyword\">Song</em>","author":"Artist","duration":"3:20"}
		]}}`)
	})
	mux.HandleFunc("/x/web-interface/view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("bvid") != "BV2" {
			t.Errorf("view bvid = %q", r.URL.Query().Get("bvid"))
		}
		_, _ = fmt.Fprint(w, `{"code":0,"data":{"cid":555}}`)
	})
	mux.HandleFunc("/x/player/wbi/playurl", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cid") != "555" || q.Get("w_rid") == "" {
			t.Errorf("playurl query = %s", r.URL.RawQuery)
		}
		_, _ = fmt.Fprint(w, `{"code":0,"data":{"dash":{"audio":[
			{"bandwidth":67000,"baseUrl":"http://upos.example/low.m4s"},
			{"bandwidth":132000,"base_url":"http://upos.example/high.m4s"}
		],"flac":null}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := testDeps(srv)
	d.Now = func() time.Time { return time.Unix(1702204169, 0) }
	b := newBiliVideo(d)
	b.apiBase = srv.URL

	q := Query{Name: "Song", Artists: []string{"Artist"}, DurationMs: 200000}
	res, err := b.Check(context.Background(), q)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.URL != "http://upos.example/high.m4s" || res.Bitrate != 132000 || res.Type != "m4a" {
		t.Errorf("result = %+v", res)
	}
	if res.Headers["Referer"] != biliReferer {
		t.Errorf("Headers = %v", res.Headers)
	}

	if _, err := b.Check(context.Background(), q); err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if n := navCalls.Load(); n != 1 {
		t.Errorf("nav fetched %d times, want 1", n)
	}
}
