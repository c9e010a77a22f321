package broadcast

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
)

// AttachmentResolver turns a source attachment URL into a stable URL reused
// across every sibling in a fan-out, re-hosting it when the source URL is
// ephemeral (spec §4.6: "do not fetch N times").
type AttachmentResolver struct {
	client  *resty.Client
	rehost  func(data []byte, contentType string) (string, error)
}

// NewAttachmentResolver builds a resolver. rehost uploads re-encoded image
// bytes to durable storage and returns its public URL; it is nil-able for
// deployments that accept the source URL as-is. The fetch and re-encode
// step runs only when rehost is set.
func NewAttachmentResolver(rehost func(data []byte, contentType string) (string, error)) *AttachmentResolver {
	client := resty.New().SetTimeout(5 * time.Second)
	return &AttachmentResolver{client: client, rehost: rehost}
}

// Resolve returns the URL to embed in every sibling payload. When no rehost
// function is configured, or the source is not a re-hostable image type, the
// source URL is returned unchanged.
func (r *AttachmentResolver) Resolve(sourceURL string) (string, error) {
	if sourceURL == "" || r.rehost == nil {
		return sourceURL, nil
	}

	resp, err := r.client.R().Get(sourceURL)
	if err != nil {
		return sourceURL, fmt.Errorf("fetch attachment: %w", err)
	}
	if resp.IsError() {
		return sourceURL, fmt.Errorf("fetch attachment: status %d", resp.StatusCode())
	}

	contentType := resp.Header().Get("Content-Type")
	img, format, err := image.Decode(bytes.NewReader(resp.Body()))
	if err != nil {
		// Not a re-encodable image (video, generic file); pass the source
		// URL through unchanged rather than failing the broadcast.
		return sourceURL, nil
	}

	var buf bytes.Buffer
	encodeFormat := imaging.PNG
	if format == "jpeg" {
		encodeFormat = imaging.JPEG
	}
	if err := imaging.Encode(&buf, img, encodeFormat); err != nil {
		return sourceURL, fmt.Errorf("re-encode attachment: %w", err)
	}

	hostedURL, err := r.rehost(buf.Bytes(), contentType)
	if err != nil {
		return sourceURL, fmt.Errorf("rehost attachment: %w", err)
	}
	return hostedURL, nil
}
