package intercept

import (
	"net"
	"strings"
)

// Hosts are the API hosts whose TLS traffic is decrypted.
var Hosts = map[string]struct{}{
	"music.163.com":                         {},
	"interface.music.163.com":               {},
	"interface3.music.163.com":              {},
	"apm.music.163.com":                     {},
	"apm3.music.163.com":                    {},
	"interface.music.163.com.163jiasu.com":  {},
	"interface3.music.163.com.163jiasu.com": {},
}

// Paths are the normalized API paths whose responses are rewritten.
var Paths = map[string]struct{}{
	"/api/v3/playlist/detail":                   {},
	"/api/v3/song/detail":                       {},
	"/api/v6/playlist/detail":                   {},
	"/api/album/play":                           {},
	"/api/artist/privilege":                     {},
	"/api/album/privilege":                      {},
	"/api/v1/artist":                            {},
	"/api/v1/artist/songs":                      {},
	"/api/artist/top/song":                      {},
	"/api/v1/album":                             {},
	"/api/album/v3/detail":                      {},
	"/api/playlist/privilege":                   {},
	"/api/song/enhance/player/url":              {},
	"/api/song/enhance/player/url/v1":           {},
	"/api/song/enhance/download/url":            {},
	"/api/song/enhance/download/url/v1":         {},
	"/batch":                                    {},
	"/api/batch":                                {},
	"/api/v1/search/get":                        {},
	"/api/v1/search/song/get":                   {},
	"/api/search/complex/get":                   {},
	"/api/cloudsearch/pc":                       {},
	"/api/v1/playlist/manipulate/tracks":        {},
	"/api/song/like":                            {},
	"/api/v1/play/record":                       {},
	"/api/playlist/v4/detail":                   {},
	"/api/v1/radio/get":                         {},
	"/api/v1/discovery/recommend/songs":         {},
	"/api/usertool/sound/mobile/promote":        {},
	"/api/usertool/sound/mobile/theme":          {},
	"/api/usertool/sound/mobile/animationList":  {},
	"/api/usertool/sound/mobile/all":            {},
	"/api/usertool/sound/mobile/detail":         {},
	"/api/vipauth/app/auth/query":               {},
	"/api/music-vip-membership/client/vip/info": {},
}

const (
	playerURLPath     = "/api/song/enhance/player/url"
	playerURLV1Path   = "/api/song/enhance/player/url/v1"
	downloadURLPath   = "/api/song/enhance/download/url"
	downloadURLV1Path = "/api/song/enhance/download/url/v1"

	vipInfoPath = "/api/music-vip-membership/client/vip/info"
)

// downloadToPlayer maps each download endpoint to the player endpoint that
// replaces it on the wire.
var downloadToPlayer = map[string]string{
	downloadURLPath:   playerURLPath,
	downloadURLV1Path: playerURLV1Path,
}

// InScopeHost reports whether host, with or without a port, is decrypted.
func InScopeHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	_, ok := Hosts[strings.ToLower(strings.TrimSuffix(host, "."))]
	return ok
}

// InScopePath reports whether responses for the normalized path p are rewritten.
func InScopePath(p string) bool {
	_, ok := Paths[p]
	return ok
}

// HostList returns Hosts as a slice.
func HostList() []string {
	out := make([]string, 0, len(Hosts))
	for h := range Hosts {
		out = append(out, h)
	}
	return out
}

func isPlayerPath(p string) bool {
	return p == playerURLPath || p == playerURLV1Path
}

func isBatchPath(p string) bool {
	return p == "/batch" || p == "/api/batch"
}

func isDownloadPath(p string) bool {
	_, ok := downloadToPlayer[p]
	return ok
}
