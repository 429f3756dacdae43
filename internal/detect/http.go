package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPDetector calls a detection service exposing
// POST /v1/detect/text and POST /v1/detect/labels with a JPEG body.
type HTTPDetector struct {
	baseURL   string
	apiKey    string
	maxLabels int
	client    *http.Client
}

func NewHTTPDetector(baseURL, apiKey string, maxLabels int, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		baseURL:   baseURL,
		apiKey:    apiKey,
		maxLabels: maxLabels,
		client:    &http.Client{Timeout: timeout},
	}
}

type textResponse struct {
	Detections []TextDetection `json:"detections"`
}

type labelResponse struct {
	Labels []LabelDetection `json:"labels"`
}

func (d *HTTPDetector) DetectText(ctx context.Context, image []byte) ([]TextDetection, error) {
	var out textResponse
	if err := d.post(ctx, "/v1/detect/text", image, &out); err != nil {
		return nil, err
	}
	return out.Detections, nil
}

func (d *HTTPDetector) DetectLabels(ctx context.Context, image []byte) ([]LabelDetection, error) {
	var out labelResponse
	path := "/v1/detect/labels"
	if d.maxLabels > 0 {
		path += fmt.Sprintf("?max_labels=%d", d.maxLabels)
	}
	if err := d.post(ctx, path, image, &out); err != nil {
		return nil, err
	}
	return out.Labels, nil
}

func (d *HTTPDetector) post(ctx context.Context, path string, image []byte, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrDetectorRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrDetectorUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding detector response: %w", err)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
}
