package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/image/draw"
)

// ErrFetch wraps every failure to obtain attachment bytes.
var ErrFetch = errors.New("fetch attachment")

// fetch resolves data: URLs and http(s) URLs. Attachment URLs come from
// chat users, so local files are never read.
func (p *Preprocessor) fetch(ctx context.Context, raw string) ([]byte, string, error) {
	if strings.HasPrefix(raw, "data:") {
		return decodeDataURL(raw)
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: unsupported url %q", ErrFetch, raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: HTTP %d", ErrFetch, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", fmt.Errorf("%w: larger than %d bytes", ErrFetch, p.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func decodeDataURL(raw string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data url", ErrFetch)
	}
	mime, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return []byte(payload), mime, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode data url: %w", ErrFetch, err)
	}
	return data, mime, nil
}

// shrink re-encodes images larger than maxSide as PNG. Formats the standard
// decoders do not understand are passed through unchanged.
func shrink(data []byte, mime string, maxSide int) ([]byte, string) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mime
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return data, mime
	}

	var nw, nh int
	if w > h {
		nw, nh = maxSide, max(h*maxSide/w, 1)
	} else {
		nw, nh = max(w*maxSide/h, 1), maxSide
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return data, mime
	}
	return buf.Bytes(), "image/png"
}
