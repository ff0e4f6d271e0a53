package scanner

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	capturePath = "/capture"
	matchPath   = "/match-score"

	// requestGrace is added on top of the device-side timeout so the HTTP
	// round trip is not cut before the device reports its own timeout.
	requestGrace = 3 * time.Second
)

// Sample is a captured fingerprint template.
type Sample struct {
	Template string // base64, vendor format
	Quality  int    // advisory, 0..100
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	License        string
	TemplateFormat string
	QualityFloor   int
	WSQRate        float64
	ProbeTimeout   time.Duration
	InsecureTLS    bool
	HTTP           *http.Client
}

// Client talks to the local fingerprint capture service. It holds no
// business rules; thresholds and retries belong to callers.
//
// Client is safe for concurrent use, but the device is a single session, so
// every call is serialized.
type Client struct {
	BaseURL        string
	HTTP           *http.Client
	License        string
	TemplateFormat string
	QualityFloor   int
	WSQRate        float64
	ProbeTimeout   time.Duration

	mu sync.Mutex
}

// New creates a client. The capture service ships with a self-signed
// certificate, hence InsecureTLS.
func New(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local device endpoint
		}
		httpClient = &http.Client{Transport: transport}
	}
	probe := opts.ProbeTimeout
	if probe <= 0 {
		probe = time.Second
	}
	format := opts.TemplateFormat
	if format == "" {
		format = "ISO"
	}
	return &Client{
		BaseURL:        strings.TrimRight(opts.BaseURL, "/"),
		HTTP:           httpClient,
		License:        opts.License,
		TemplateFormat: format,
		QualityFloor:   opts.QualityFloor,
		WSQRate:        opts.WSQRate,
		ProbeTimeout:   probe,
	}
}

// CheckAvailable probes the service with a short capture. The probe may
// switch the sensor on. A device that reports a capture-level problem
// itself (timeout, wrong image) is reachable and counts as available.
func (c *Client) CheckAvailable(ctx context.Context) error {
	_, err := c.Capture(ctx, c.ProbeTimeout)
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code != 0 && (e.Kind == ErrCaptureTimeout || e.Kind == ErrCaptureQuality) {
		return nil
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return err
	}
	return unavailable("fingerprint service not responding correctly", err)
}

// Capture blocks until the device returns a template or timeout elapses.
func (c *Client) Capture(ctx context.Context, timeout time.Duration) (Sample, error) {
	if timeout <= 0 {
		return Sample{}, fmt.Errorf("capture timeout must be positive")
	}
	form := url.Values{}
	form.Set("Timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	form.Set("Quality", strconv.Itoa(c.QualityFloor))
	form.Set("licstr", c.License)
	form.Set("templateFormat", c.TemplateFormat)
	form.Set("imageWSQRate", strconv.FormatFloat(c.WSQRate, 'f', -1, 64))

	var out struct {
		ErrorCode      int    `json:"ErrorCode"`
		TemplateBase64 string `json:"TemplateBase64"`
		ImageQuality   int    `json:"ImageQuality"`
	}
	if err := c.post(ctx, capturePath, form, timeout+requestGrace, &out); err != nil {
		return Sample{}, err
	}
	if out.ErrorCode != 0 {
		return Sample{}, deviceError(out.ErrorCode)
	}
	if out.TemplateBase64 == "" {
		return Sample{}, protocol("capture succeeded without a template", nil)
	}
	return Sample{Template: out.TemplateBase64, Quality: out.ImageQuality}, nil
}

// Compare asks the service for the similarity score of two templates.
// Higher is more similar.
func (c *Client) Compare(ctx context.Context, templateA, templateB string) (int, error) {
	if templateA == "" || templateB == "" {
		return 0, fmt.Errorf("compare requires two templates")
	}
	form := url.Values{}
	form.Set("Template1", templateA)
	form.Set("Template2", templateB)
	form.Set("licstr", c.License)
	form.Set("templateFormat", c.TemplateFormat)

	var out struct {
		ErrorCode     int  `json:"ErrorCode"`
		MatchingScore *int `json:"MatchingScore"`
	}
	if err := c.post(ctx, matchPath, form, c.ProbeTimeout+requestGrace, &out); err != nil {
		return 0, err
	}
	if out.ErrorCode != 0 {
		return 0, deviceError(out.ErrorCode)
	}
	if out.MatchingScore == nil {
		return 0, protocol("match response without score", nil)
	}
	return *out.MatchingScore, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, limit time.Duration, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return protocol("build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return unavailable("no response from fingerprint service", err)
		}
		return unavailable("fingerprint service request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return unavailable(fmt.Sprintf("fingerprint service error %s", resp.Status), errors.New(strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocol("failed to decode response", err)
	}
	return nil
}
