package challenge

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CaptchaDeliveryMarker is the script URL embedded in captcha-delivery challenge pages.
const CaptchaDeliveryMarker = "https://ct.captcha-delivery.com/c.js"

const defaultPeekLimit = 512 << 10

// MarkerDetector flags responses with a given status whose body contains a marker.
type MarkerDetector struct {
	status    int
	marker    string
	peekLimit int64
}

// NewCaptchaDeliveryDetector detects the captcha-delivery interstitial: a 403
// whose body loads the captcha-delivery script.
func NewCaptchaDeliveryDetector() *MarkerDetector {
	return NewMarkerDetector(http.StatusForbidden, CaptchaDeliveryMarker)
}

// NewMarkerDetector builds a detector for an arbitrary status/marker pair.
func NewMarkerDetector(status int, marker string) *MarkerDetector {
	return &MarkerDetector{
		status:    status,
		marker:    strings.ToLower(marker),
		peekLimit: defaultPeekLimit,
	}
}

// IsChallenge reads up to the peek limit of the body and restores it, so the
// caller can still consume the full response.
func (d *MarkerDetector) IsChallenge(resp *http.Response) (bool, error) {
	if resp == nil || resp.StatusCode != d.status || resp.Body == nil {
		return false, nil
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, d.peekLimit))
	if err != nil {
		return false, fmt.Errorf("read challenge body: %w", err)
	}
	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(buf), resp.Body),
		closer: resp.Body,
	}
	return strings.Contains(strings.ToLower(string(buf)), d.marker), nil
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	if err := b.closer.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return nil
}
