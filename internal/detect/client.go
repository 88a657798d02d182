// Package detect calls the external vial-detection service.
package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Detection is the outcome of one detection call. Annotated holds the
// rendered visualization (bounding boxes burned in) and may be nil when the
// render call failed; the count is authoritative either way.
type Detection struct {
	Count     int
	Annotated []byte
}

// Detector is implemented by anything that can count vials on an image.
type Detector interface {
	Detect(ctx context.Context, image []byte) (Detection, error)
}

// Options tunes the client. Zero values fall back to sensible defaults.
type Options struct {
	Stroke  int           // bounding-box stroke width (default 2)
	Labels  bool          // render class labels on the visualization
	Timeout time.Duration // per-call budget (default 10s)
	Logger  *slog.Logger
}

// Client talks to a hosted-inference endpoint: the API key travels as a
// query parameter and the canonical JPEG as a base64 form body. One call
// with format=json yields the predictions, a second with format=image the
// annotated render.
type Client struct {
	endpoint string
	apiKey   string
	stroke   int
	labels   bool
	httpc    *http.Client
	logger   *slog.Logger
}

var _ Detector = (*Client)(nil)

// New constructs a detection client for the given endpoint and API key.
func New(endpoint, apiKey string, opts Options) *Client {
	stroke := opts.Stroke
	if stroke <= 0 {
		stroke = 2
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		stroke:   stroke,
		labels:   opts.Labels,
		httpc:    &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("component", "detect")),
	}
}

type prediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

type inferenceResponse struct {
	// Pointer distinguishes a legitimately empty tray from a body that
	// carries no predictions field at all.
	Predictions *[]prediction `json:"predictions"`
}

// Detect submits the image and returns the detection count plus, on a best
// effort basis, the annotated visualization. Failures of the count call are
// returned as-is and are never retried here: the upstream call is billed
// per request.
func (c *Client) Detect(ctx context.Context, image []byte) (Detection, error) {
	payload := base64.StdEncoding.EncodeToString(image)

	body, err := c.call(ctx, payload, "json")
	if err != nil {
		return Detection{}, err
	}
	var parsed inferenceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Detection{}, fmt.Errorf("parse detection response: %w", err)
	}
	if parsed.Predictions == nil {
		return Detection{}, fmt.Errorf("detection response missing predictions")
	}
	det := Detection{Count: len(*parsed.Predictions)}

	annotated, err := c.call(ctx, payload, "image")
	if err != nil {
		// Cosmetic only; the caller falls back to the unannotated image.
		c.logger.Warn("annotated render failed", slog.String("error", err.Error()))
		return det, nil
	}
	det.Annotated = annotated
	return det, nil
}

func (c *Client) call(ctx context.Context, payload, format string) ([]byte, error) {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("format", format)
	q.Set("stroke", strconv.Itoa(c.stroke))
	q.Set("labels", strconv.FormatBool(c.labels))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+q.Encode(), strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detection service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read detection response: %w", err)
	}
	return body, nil
}
