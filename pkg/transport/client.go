// Package transport implements the HTTP client for the µlogger collector
// API: form-encoded actions on client/index.php with a cookie-based session.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
)

const clientEndpoint = "client/index.php"

// Config holds transport configuration.
type Config struct {
	ServerURL string        `json:"server_url"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultConfig returns safe transport defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
	}
}

// Client talks to a µlogger server. The session cookie lives in a
// process-wide jar; Deauthorize drops it, forcing the next cycle to log in
// again.
type Client struct {
	logger     *logx.Logger
	httpClient *http.Client
	baseURL    *url.URL
	endpoint   string

	mu         sync.Mutex
	authorized bool
}

// NewClient creates a client for the configured server. A URL that does not
// parse is reported as a malformed endpoint.
func NewClient(config *Config, logger *logx.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	base, err := url.Parse(strings.TrimRight(config.ServerURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, pkg.NewSyncError(pkg.SyncMalformedEndpoint,
			fmt.Errorf("invalid server url %q", config.ServerURL))
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		logger:   logger,
		baseURL:  base,
		endpoint: base.JoinPath(clientEndpoint).String(),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Jar:     jar,
		},
	}, nil
}

// serverResponse is the JSON envelope every action returns.
type serverResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
	TrackID int64  `json:"trackid,omitempty"`
}

// Authorize logs in and establishes the session cookie. Rejected
// credentials classify as auth_rejected; transport problems keep their
// network classification.
func (c *Client) Authorize(ctx context.Context, user, pass string) error {
	form := url.Values{}
	form.Set("action", "auth")
	form.Set("user", user)
	form.Set("pass", pass)

	resp, err := c.postForm(ctx, form)
	if err != nil {
		if errors.Is(err, pkg.ErrAuthExpired) {
			return pkg.NewSyncError(pkg.SyncAuthRejected, errors.New("server rejected credentials"))
		}
		return err
	}
	if resp.Error {
		return pkg.NewSyncError(pkg.SyncAuthRejected,
			fmt.Errorf("authentication failed: %s", resp.Message))
	}

	c.mu.Lock()
	c.authorized = true
	c.mu.Unlock()
	c.logger.Debug("session_authorized", "user", user)
	return nil
}

// Deauthorize invalidates the local session so the next request must be
// preceded by a fresh Authorize.
func (c *Client) Deauthorize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorized = false
	jar, err := cookiejar.New(nil)
	if err == nil {
		c.httpClient.Jar = jar
	}
	c.logger.Debug("session_dropped")
}

// Authorized reports whether a session is believed to be established.
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// StartTrack registers a new track and returns its remote id.
func (c *Client) StartTrack(ctx context.Context, name string) (int64, error) {
	form := url.Values{}
	form.Set("action", "addtrack")
	form.Set("track", name)

	resp, err := c.postForm(ctx, form)
	if err != nil {
		return 0, err
	}
	if resp.Error {
		return 0, pkg.NewSyncError(pkg.SyncOther,
			fmt.Errorf("server refused track %q: %s", name, resp.Message))
	}
	if resp.TrackID == 0 {
		return 0, pkg.NewSyncError(pkg.SyncOther,
			fmt.Errorf("server returned no track id for %q", name))
	}
	return resp.TrackID, nil
}

// UploadPosition sends one position as an addpos action. The upload is
// idempotent per record on a cooperating server. An "image" field holding a
// local path switches the request to multipart with the file attached.
func (c *Client) UploadPosition(ctx context.Context, fields map[string]string) error {
	var resp *serverResponse
	var err error
	if imagePath, ok := fields["image"]; ok && imagePath != "" {
		resp, err = c.postMultipart(ctx, fields, imagePath)
	} else {
		form := url.Values{}
		form.Set("action", "addpos")
		for k, v := range fields {
			form.Set(k, v)
		}
		resp, err = c.postForm(ctx, form)
	}
	if err != nil {
		return err
	}
	if resp.Error {
		return pkg.NewSyncError(pkg.SyncOther,
			fmt.Errorf("server refused position: %s", resp.Message))
	}
	return nil
}

// IsReachable does a best-effort probe of the server base URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL.String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *Client) postForm(ctx context.Context, form url.Values) (*serverResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, classify(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) postMultipart(ctx context.Context, fields map[string]string, imagePath string) (*serverResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("action", "addpos"); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if k == "image" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return nil, pkg.NewSyncError(pkg.SyncOther,
			fmt.Errorf("failed to open image %s: %w", imagePath, err))
	}
	defer f.Close()

	part, err := w.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to attach image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return nil, classify(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*serverResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, pkg.ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, pkg.NewSyncError(pkg.SyncOther,
			fmt.Errorf("unexpected status %d from server", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classify(err)
	}

	var sr serverResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, pkg.NewSyncError(pkg.SyncOther,
			fmt.Errorf("unparseable server response: %w", err))
	}
	return &sr, nil
}

// classify maps a transport-level error to the sync failure taxonomy.
func classify(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return pkg.NewSyncError(pkg.SyncUnknownHost, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return pkg.NewSyncError(pkg.SyncConnectFailed, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pkg.NewSyncError(pkg.SyncConnectFailed, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return pkg.NewSyncError(pkg.SyncConnectFailed, err)
	}

	return pkg.NewSyncError(pkg.SyncOther, err)
}

// PositionFields flattens a position into the addpos form fields.
func PositionFields(p pkg.Position, trackID int64) map[string]string {
	fields := map[string]string{
		"lat":     strconv.FormatFloat(p.Latitude, 'f', -1, 64),
		"lon":     strconv.FormatFloat(p.Longitude, 'f', -1, 64),
		"time":    strconv.FormatInt(p.Time.Unix(), 10),
		"trackid": strconv.FormatInt(trackID, 10),
	}
	if p.Altitude != nil {
		fields["altitude"] = strconv.FormatFloat(*p.Altitude, 'f', -1, 64)
	}
	if p.Speed != nil {
		fields["speed"] = strconv.FormatFloat(*p.Speed, 'f', -1, 64)
	}
	if p.Bearing != nil {
		fields["bearing"] = strconv.FormatFloat(*p.Bearing, 'f', -1, 64)
	}
	if p.Accuracy != nil {
		fields["accuracy"] = strconv.FormatFloat(*p.Accuracy, 'f', -1, 64)
	}
	if p.Provider != "" {
		fields["provider"] = p.Provider
	}
	if p.Comment != "" {
		fields["comment"] = p.Comment
	}
	if p.ImageRef != "" {
		fields["image"] = p.ImageRef
	}
	return fields
}
