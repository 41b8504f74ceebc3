// internal/processor/client.go
package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Client talks to the external image-processing service. Each call is a
// single synchronous multipart upload returning the transformed image bytes;
// the client performs no retries of its own. Redelivery on failure is the
// queue layer's job.
type Client struct {
	removeBGURL string
	tryOnURL    string
	httpClient  *http.Client
}

// maxErrorBody bounds how much of a failure response is carried into the error.
const maxErrorBody = 512

func NewClient(removeBGURL, tryOnURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		removeBGURL: removeBGURL,
		tryOnURL:    tryOnURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// RemoveBackground uploads the input image and returns the cutout PNG bytes.
func (c *Client) RemoveBackground(ctx context.Context, filename string, input io.Reader) ([]byte, error) {
	parts := []filePart{{field: "file", filename: filename, reader: input}}
	return c.post(ctx, c.removeBGURL, parts)
}

// TryOn uploads the person cutout and the garment image and returns the
// composited result bytes.
func (c *Client) TryOn(ctx context.Context, personName string, person io.Reader, garmentName string, garment io.Reader) ([]byte, error) {
	parts := []filePart{
		{field: "human_img", filename: personName, reader: person},
		{field: "garm_img", filename: garmentName, reader: garment},
	}
	return c.post(ctx, c.tryOnURL, parts)
}

type filePart struct {
	field    string
	filename string
	reader   io.Reader
}

func (c *Client) post(ctx context.Context, url string, parts []filePart) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, p := range parts {
		fw, err := writer.CreateFormFile(p.field, p.filename)
		if err != nil {
			return nil, fmt.Errorf("create form part %s: %w", p.field, err)
		}
		if _, err := io.Copy(fw, p.reader); err != nil {
			return nil, fmt.Errorf("copy %s into form: %w", p.field, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("processor returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read processor response: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("processor returned empty body")
	}
	return out, nil
}
