package retrieval

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/hash/sha256"
)

var (
	quotedFilename   = regexp.MustCompile(`filename[^;=\n]*=['"]([^'"]*)['"]`)
	unquotedFilename = regexp.MustCompile(`filename[^;=\n]*=([^;\n]+)`)
)

var preferredExtensions = map[string]string{
	"image/jpeg":       "jpg",
	"image/png":        "png",
	"image/gif":        "gif",
	"image/webp":       "webp",
	"image/avif":       "avif",
	"video/mp4":        "mp4",
	"video/webm":       "webm",
	"audio/mpeg":       "mp3",
	"audio/mp4":        "m4a",
	"application/pdf":  "pdf",
	"application/zip":  "zip",
	"application/json": "json",
	"text/html":        "html",
	"text/plain":       "txt",
}

// Probe issues HEAD requests with the same retry rules as a download and
// reports the remote filename, size and content type.
func (e *Engine) Probe(ctx context.Context, rawURL, referer string) (probe downloader.RemoteProbe, err error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.Probe", trace.WithAttributes(attribute.String("url", rawURL)))
	defer func() { endSpan(span, err) }()

	err = e.execute(ctx, rawURL, referer, request{
		method:  http.MethodHead,
		headers: http.Header{"Accept-Encoding": {"identity"}},
		accept: func(_ context.Context, resp *http.Response, _ *retryState) (bool, error) {
			probe = probeFromResponse(resp)
			drainAndClose(resp)
			return false, nil
		},
	})
	return probe, err
}

// probeSize makes a single HEAD attempt; any failure means the size is unknown.
func (e *Engine) probeSize(ctx context.Context, rawURL, referer string) int64 {
	resp, err := e.requester.Do(ctx, http.MethodHead, rawURL, referer, http.Header{"Accept-Encoding": {"identity"}})
	if err != nil {
		e.logger.Debug("size probe failed", zap.String("url", rawURL), zap.Error(err))
		return 0
	}
	defer drainAndClose(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0
	}
	return probeFromResponse(resp).SizeBytes
}

func probeFromResponse(resp *http.Response) downloader.RemoteProbe {
	probe := downloader.RemoteProbe{
		FilenameHint: FilenameFromContentDisposition(resp.Header.Get("Content-Disposition")),
		ContentType:  resp.Header.Get("Content-Type"),
	}
	if resp.ContentLength > 0 {
		probe.SizeBytes = resp.ContentLength
	}
	return probe
}

// FilenameFromContentDisposition extracts the filename parameter, URL-decoded
// and stripped of quotes. It returns "" when there is none.
func FilenameFromContentDisposition(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if m := quotedFilename.FindStringSubmatch(header); len(m) > 1 {
			name = m[1]
		} else if m := unquotedFilename.FindStringSubmatch(header); len(m) > 1 {
			name = m[1]
		}
	}
	if decoded, err := url.QueryUnescape(name); err == nil {
		name = decoded
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(name), `"'`))
}

// GeneratedFilename names a resource that offers no filename of its own:
// gen_ plus the first 20 hex characters of the URL's SHA-256, with an
// extension derived from the content type.
func GeneratedFilename(rawURL, contentType string) string {
	return "gen_" + sha256.New().Prefix(rawURL, 20) + "." + extensionFor(contentType)
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}
