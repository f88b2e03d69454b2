package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const probeBytes = 8192

var md5Pattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Prober inspects the head of a resolved stream.
type Prober struct {
	Client *http.Client
}

// ProbeResult is what a partial GET reveals about a stream.
type ProbeResult struct {
	URL     string
	Size    int64
	Bitrate int
	MD5     string
}

// Probe fetches the first 8KiB of rawURL. Size comes from Content-Range or
// Content-Length; Bitrate is sniffed from the stream header when possible.
func (p *Prober) Probe(ctx context.Context, rawURL string, header map[string]string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("build probe: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", "bytes=0-"+strconv.Itoa(probeBytes-1))

	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{}, fmt.Errorf("%w: probe status %d", ErrUnavailable, resp.StatusCode)
	}

	res := ProbeResult{URL: resp.Request.URL.String()}
	res.Size = totalSize(resp)
	res.MD5 = headerMD5(resp.Header)

	head, _ := io.ReadAll(io.LimitReader(resp.Body, probeBytes))
	res.Bitrate = DetectBitrate(head)
	return res, nil
}

// Validate probes rawURL and rejects it when the stream is smaller than
// ExpectedSizeFloor for the claimed bitrate and duration.
func (p *Prober) Validate(ctx context.Context, rawURL string, header map[string]string, bitrate int, durationMs int64) (ProbeResult, error) {
	res, err := p.Probe(ctx, rawURL, header)
	if err != nil {
		return res, err
	}
	if floor := ExpectedSizeFloor(bitrate, durationMs); res.Size < floor {
		return res, fmt.Errorf("%w: size %d below %d", ErrRejected, res.Size, floor)
	}
	return res, nil
}

// ExpectedSizeFloor is half the byte count a stream of the given bitrate and
// duration would have. Lossless streams are judged at 700kbps. An unknown
// duration yields no floor.
func ExpectedSizeFloor(bitrate int, durationMs int64) int64 {
	if durationMs <= 0 || bitrate <= 0 {
		return 0
	}
	if bitrate >= BitrateLossless {
		bitrate = 700000
	}
	return int64(bitrate) / 8 * durationMs / 1000 / 2
}

func totalSize(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

func headerMD5(h http.Header) string {
	if v := strings.ToLower(h.Get("Server-Md5")); md5Pattern.MatchString(v) {
		return v
	}
	if v := strings.ToLower(strings.Trim(h.Get("ETag"), `"`)); md5Pattern.MatchString(v) {
		return v
	}
	return ""
}

var (
	mpeg1Rates = [3][15]int{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448}, // layer I
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},    // layer II
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},     // layer III
	}
	mpeg2Rates = [2][15]int{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256}, // layer I
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},      // layers II and III
	}
)

// DetectBitrate returns the bitrate in bits per second declared by the
// first MPEG audio frame in head, BitrateLossless for a FLAC stream, or 0.
func DetectBitrate(head []byte) int {
	if len(head) >= 4 && string(head[:4]) == "fLaC" {
		return BitrateLossless
	}

	offset := 0
	if len(head) >= 10 && string(head[:3]) == "ID3" {
		size := int(head[6]&0x7f)<<21 | int(head[7]&0x7f)<<14 | int(head[8]&0x7f)<<7 | int(head[9]&0x7f)
		offset = 10 + size
		if head[5]&0x10 != 0 {
			offset += 10
		}
	}

	for i := offset; i+2 < len(head); i++ {
		if head[i] != 0xff || head[i+1]&0xe0 != 0xe0 {
			continue
		}
		version := (head[i+1] >> 3) & 0x03
		layer := (head[i+1] >> 1) & 0x03
		index := int(head[i+2] >> 4)
		sampling := (head[i+2] >> 2) & 0x03
		if version == 1 || layer == 0 || index == 0 || index == 15 || sampling == 3 {
			continue
		}

		var kbps int
		if version == 3 {
			kbps = mpeg1Rates[3-layer][index]
		} else if layer == 3 {
			kbps = mpeg2Rates[0][index]
		} else {
			kbps = mpeg2Rates[1][index]
		}
		return kbps * 1000
	}
	return 0
}
