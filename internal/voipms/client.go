// Package voipms is a client for the VoIP.ms REST API methods used for SMS.
package voipms

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
	"slices"
	"strings"
	"time"

	"github.com/voipsms/smsd/internal/phone"
	"github.com/voipsms/smsd/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://www.voip.ms/api/v1/rest.php"

	otelScope = "smsd/voipms"

	requestDateLayout = "2006-01-02"
	messageDateLayout = "2006-01-02 15:04:05"

	maxResponseBytes = 64 << 20
)

// Zone is the fixed offset the provider uses for dates (timezone=-5).
var Zone = time.FixedZone("UTC-5", -5*60*60)

// CredentialsProvider returns the API username and password for each call.
type CredentialsProvider interface {
	Credentials() (username, password string)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// HTTPClient overrides the client built from the timeouts.
	HTTPClient *http.Client
}

// Client issues VoIP.ms API calls. It holds no state besides configuration.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialsProvider
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a new API client.
func NewClient(opts Options, creds CredentialsProvider, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(opts.ConnectTimeout, opts.ReadTimeout)
	}
	return &Client{
		baseURL: opts.BaseURL,
		http:    httpClient,
		creds:   creds,
		logger:  logger,
		tracer:  otel.Tracer(otelScope),
	}
}

func newHTTPClient(connect, read time.Duration) *http.Client {
	if connect <= 0 {
		connect = 15 * time.Second
	}
	if read <= 0 {
		read = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect}).DialContext
	transport.TLSHandshakeTimeout = connect
	transport.ResponseHeaderTimeout = read
	return &http.Client{Transport: transport, Timeout: connect + read}
}

// FetchMessages returns the messages of did dated between from and to, both
// taken as calendar dates in the provider zone. MMS records are skipped.
func (c *Client) FetchMessages(ctx context.Context, did string, from, to time.Time) ([]store.RemoteMessage, error) {
	params := map[string]string{
		"did":      did,
		"from":     from.In(Zone).Format(requestDateLayout),
		"to":       to.In(Zone).Format(requestDateLayout),
		"limit":    "1000000",
		"timezone": "-5",
	}
	var resp getSMSResponse
	if err := c.call(ctx, "getSMS", params, &resp, StatusNoSMS); err != nil {
		return nil, err
	}

	records := make([]store.RemoteMessage, 0, len(resp.SMS))
	for _, r := range resp.SMS {
		if r.Message == nil {
			continue
		}
		rec, err := toRemoteMessage(r)
		if err != nil {
			return nil, fmt.Errorf("%w: getSMS: %w", ErrParse, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func toRemoteMessage(r smsRecord) (store.RemoteMessage, error) {
	if r.ID == 0 {
		return store.RemoteMessage{}, errors.New("message id is 0")
	}
	ts, err := time.ParseInLocation(messageDateLayout, r.Date, Zone)
	if err != nil {
		return store.RemoteMessage{}, fmt.Errorf("message %d date: %w", r.ID, err)
	}
	var incoming bool
	switch r.Type {
	case "1":
		incoming = true
	case "0":
	default:
		return store.RemoteMessage{}, fmt.Errorf("message %d type %q", r.ID, r.Type)
	}
	text := *r.Message
	if incoming {
		text = strings.TrimSuffix(text, "\n")
	}
	return store.NewRemoteMessage(int64(r.ID), r.DID, r.Contact, ts, incoming, text)
}

// SendMessage sends text from did to dst and returns the provider message id.
func (c *Client) SendMessage(ctx context.Context, did, dst, text string) (int64, error) {
	params := map[string]string{
		"did":     did,
		"dst":     dst,
		"message": text,
	}
	var resp sendSMSResponse
	if err := c.call(ctx, "sendSMS", params, &resp); err != nil {
		return 0, err
	}
	if resp.SMS == 0 {
		return 0, fmt.Errorf("%w: sendSMS: message id is 0", ErrParse)
	}
	return int64(resp.SMS), nil
}

// ListDIDs returns every DID of the account.
func (c *Client) ListDIDs(ctx context.Context) ([]DID, error) {
	var resp getDIDsInfoResponse
	if err := c.call(ctx, "getDIDsInfo", nil, &resp, StatusNoDID); err != nil {
		return nil, err
	}
	dids := make([]DID, 0, len(resp.DIDs))
	for _, d := range resp.DIDs {
		if err := phone.Validate(d.DID); err != nil {
			return nil, fmt.Errorf("%w: getDIDsInfo: %w", ErrParse, err)
		}
		dids = append(dids, DID{Number: d.DID, Description: d.Description, SMSEnabled: bool(d.SMSEnabled)})
	}
	return dids, nil
}

// VerifyCredentials checks the configured credentials with a cheap API call.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	var resp statusResponse
	return c.call(ctx, "getDIDsInfo", nil, &resp, StatusNoDID)
}

// call posts a multipart form and decodes the JSON response into out.
// Statuses other than success and the ones listed in ok become APIErrors.
func (c *Client) call(ctx context.Context, method string, params map[string]string, out any, ok ...string) (err error) {
	ctx, span := c.tracer.Start(ctx, "voipms."+method, trace.WithAttributes(attribute.String("voipms.method", method)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	username, password := "", ""
	if c.creds != nil {
		username, password = c.creds.Credentials()
	}
	if username == "" || password == "" {
		return &APIError{Method: method, Status: StatusMissingCredentials}
	}

	body, contentType, err := encodeForm(username, password, method, params)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("voip.ms request failed", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrNetwork, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s: HTTP %d", ErrNetwork, method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %w", ErrNetwork, method, err)
	}
	c.logger.Debug("voip.ms response",
		zap.String("method", method),
		zap.Int("bytes", len(raw)),
		zap.Duration("took", time.Since(start)))

	var st statusResponse
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrParse, method, err)
	}
	span.SetAttributes(attribute.String("voipms.status", st.Status))
	switch {
	case st.Status == "":
		return fmt.Errorf("%w: %s: empty status", ErrParse, method)
	case st.Status == StatusSuccess:
	case slices.Contains(ok, st.Status):
		return nil
	default:
		return &APIError{Method: method, Status: st.Status}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrParse, method, err)
	}
	return nil
}

func encodeForm(username, password, method string, params map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"api_username", username},
		{"api_password", password},
		{"method", method},
	}
	for k, v := range params {
		fields = append(fields, [2]string{k, v})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
