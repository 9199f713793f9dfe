// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cloud is the REST client for the fleet API: registration,
// key exchange, conditional target-state fetches, current-state
// reports and log upload. It maps HTTP statuses onto error kinds the
// callers can test for; it never retries by itself, that is the
// calling worker's policy.
package cloud

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"gopkg.in/httprequest.v1"

	"github.com/iotistic/agent/core/apps"
	"github.com/iotistic/agent/core/logs"
	"github.com/iotistic/agent/internal/identity"
)

const jsonMIME = "application/json"

// ErrNotModified is returned by TargetState when the cloud answered
// 304 for the presented ETag.
const ErrNotModified = errors.ConstError("target state not modified")

// IsAuthFailure reports whether the cloud rejected our credentials.
// Auth failures must never be retried with the same credentials.
func IsAuthFailure(err error) bool {
	return errors.Is(err, errors.Unauthorized)
}

// IsRateLimited reports whether the cloud asked us to back off.
func IsRateLimited(err error) bool {
	return errors.Is(err, errors.QuotaLimitExceeded)
}

// Logger is the subset of loggo used by this package.
type Logger interface {
	IsTraceEnabled() bool
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Transport performs the actual request.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// DefaultTransport returns the production transport.
func DefaultTransport(logger Logger) Transport {
	return jujuhttp.NewClient(jujuhttp.WithLogger(logger))
}

// Config holds a Client's dependencies.
type Config struct {
	// BaseURL is the cloud API root, e.g. "https://cloud.example".
	BaseURL string

	Transport Transport
	Logger    Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.NotValidf("empty BaseURL")
	}
	if c.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client talks to the fleet API on behalf of one device.
type Client struct {
	baseURL   string
	transport Transport
	logger    Logger
}

var _ identity.Registrar = (*Client)(nil)

// NewClient returns a client for the configured endpoint.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	base := strings.TrimRight(config.BaseURL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, errors.NotValidf("base url %q", config.BaseURL)
	}
	return &Client{
		baseURL:   base,
		transport: config.Transport,
		logger:    config.Logger,
	}, nil
}

type registerRequest struct {
	UUID              string `json:"uuid"`
	DeviceName        string `json:"deviceName"`
	DeviceType        string `json:"deviceType"`
	DeviceAPIKey      string `json:"deviceApiKey"`
	MACAddress        string `json:"macAddress,omitempty"`
	OSVersion         string `json:"osVersion,omitempty"`
	SupervisorVersion string `json:"supervisorVersion,omitempty"`
}

type registerResponse struct {
	ID         json.Number `json:"id"`
	UUID       string      `json:"uuid"`
	DeviceName string      `json:"deviceName"`
	DeviceType string      `json:"deviceType"`
	FleetID    json.Number `json:"fleetId"`
	CreatedAt  string      `json:"createdAt"`
}

// Register performs the registration handshake. It implements
// identity.Registrar: 409 maps to errors.AlreadyExists, 401 to
// errors.Unauthorized and 429 to errors.QuotaLimitExceeded.
func (c *Client) Register(ctx context.Context, provisioningKey string, req identity.RegisterRequest) (identity.Registration, error) {
	body := registerRequest{
		UUID:              req.UUID,
		DeviceName:        req.DeviceName,
		DeviceType:        req.DeviceType,
		DeviceAPIKey:      req.DeviceAPIKey,
		MACAddress:        req.MACAddress,
		OSVersion:         req.OSVersion,
		SupervisorVersion: req.SupervisorVersion,
	}
	var decoded registerResponse
	status, err := c.do(ctx, "POST", "/api/v1/device/register", provisioningKey, body, &decoded)
	if err != nil {
		return identity.Registration{}, errors.Trace(err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return identity.Registration{}, errors.Unauthorizedf("provisioning key rejected")
	case http.StatusConflict:
		return identity.Registration{}, errors.AlreadyExistsf("device %q", req.UUID)
	case http.StatusTooManyRequests:
		return identity.Registration{}, errors.NewQuotaLimitExceeded(nil, "registration rate-limited")
	default:
		return identity.Registration{}, errors.Errorf("registering device: unexpected response %d", status)
	}
	return identity.Registration{
		DeviceID:   decoded.ID.String(),
		FleetID:    decoded.FleetID.String(),
		DeviceName: decoded.DeviceName,
		DeviceType: decoded.DeviceType,
	}, nil
}

type keyExchangeRequest struct {
	DeviceAPIKey string `json:"deviceApiKey"`
}

// KeyExchange proves to the cloud that the device still holds its api
// key.
func (c *Client) KeyExchange(ctx context.Context, deviceUUID, deviceAPIKey string) error {
	path := fmt.Sprintf("/api/v1/device/%s/key-exchange", deviceUUID)
	status, err := c.do(ctx, "POST", path, deviceAPIKey, keyExchangeRequest{DeviceAPIKey: deviceAPIKey}, nil)
	if err != nil {
		return errors.Trace(err)
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.Unauthorizedf("device key rejected")
	default:
		return errors.Errorf("key exchange: unexpected response %d", status)
	}
}

type targetDocument struct {
	Apps map[int]apps.AppSpec `json:"apps"`
}

// TargetState fetches the device's target state. The presented etag
// makes the fetch conditional: a 304 answer returns ErrNotModified
// and the same etag. On 200 the new etag accompanies the state.
func (c *Client) TargetState(ctx context.Context, deviceUUID, etag string) (apps.TargetState, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url("/api/v1/device/%s/state", deviceUUID), nil)
	if err != nil {
		return apps.TargetState{}, "", errors.Annotate(err, "constructing request")
	}
	req.Header.Set("Accept", jsonMIME)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		return apps.TargetState{}, "", errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		c.discard(resp)
		return apps.TargetState{}, etag, ErrNotModified
	case http.StatusUnauthorized:
		c.discard(resp)
		return apps.TargetState{}, "", errors.Unauthorizedf("device %q rejected", deviceUUID)
	case http.StatusNotFound:
		c.discard(resp)
		return apps.TargetState{}, "", errors.NotFoundf("device %q", deviceUUID)
	default:
		c.discard(resp)
		return apps.TargetState{}, "", errors.Errorf("target state fetch: unexpected response %d", resp.StatusCode)
	}

	var envelope map[string]targetDocument
	if err := httprequest.UnmarshalJSONResponse(resp, &envelope); err != nil {
		return apps.TargetState{}, "", errors.Annotate(err, "decoding target state")
	}
	doc, ok := envelope[deviceUUID]
	if !ok {
		return apps.TargetState{}, "", errors.Errorf("target state response missing device %q", deviceUUID)
	}
	return apps.TargetState{Apps: doc.Apps}, resp.Header.Get("ETag"), nil
}

// Metrics is the host-metrics slice of the device state report.
type Metrics struct {
	IPAddress         string  `json:"ip_address,omitempty"`
	MACAddress        string  `json:"mac_address,omitempty"`
	OSVersion         string  `json:"os_version,omitempty"`
	SupervisorVersion string  `json:"supervisor_version,omitempty"`
	Uptime            uint64  `json:"uptime,omitempty"`
	CPUUsage          float64 `json:"cpu_usage,omitempty"`
	CPUTemp           float64 `json:"cpu_temp,omitempty"`
	MemoryUsage       uint64  `json:"memory_usage,omitempty"`
	MemoryTotal       uint64  `json:"memory_total,omitempty"`
	StorageUsage      uint64  `json:"storage_usage,omitempty"`
	StorageTotal      uint64  `json:"storage_total,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
}

// DeviceStateReport is one device's slice of the state PATCH body.
type DeviceStateReport struct {
	Apps   map[int]apps.AppState `json:"apps"`
	Config map[string]string     `json:"config,omitempty"`
	Metrics
}

// ReportState PATCHes the device's current state and metrics.
func (c *Client) ReportState(ctx context.Context, deviceUUID string, report DeviceStateReport) error {
	body := map[string]DeviceStateReport{deviceUUID: report}
	status, err := c.do(ctx, "PATCH", "/api/v1/device/state", "", body, nil)
	if err != nil {
		return errors.Trace(err)
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.Unauthorizedf("device %q rejected", deviceUUID)
	case http.StatusTooManyRequests:
		return errors.NewQuotaLimitExceeded(nil, "state report rate-limited")
	default:
		return errors.Errorf("state report: unexpected response %d", status)
	}
}

// UploadLogs ships a batch of log entries, gzip-compressed.
func (c *Client) UploadLogs(ctx context.Context, deviceUUID string, entries []logs.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	buffer := new(bytes.Buffer)
	zw := gzip.NewWriter(buffer)
	if err := json.NewEncoder(zw).Encode(entries); err != nil {
		return errors.Trace(err)
	}
	if err := zw.Close(); err != nil {
		return errors.Trace(err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url("/api/v1/device/%s/logs", deviceUUID), buffer)
	if err != nil {
		return errors.Annotate(err, "constructing request")
	}
	req.Header.Set("Content-Type", jsonMIME)
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.transport.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.discard(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.Unauthorizedf("device %q rejected", deviceUUID)
	default:
		return errors.Errorf("log upload: unexpected response %d", resp.StatusCode)
	}
}

// LogUploader binds the client to one device uuid, giving the log
// pipeline's upload backend the single-argument shape it wants.
type LogUploader struct {
	client     *Client
	deviceUUID string
}

// NewLogUploader returns an uploader for the given device.
func NewLogUploader(client *Client, deviceUUID string) *LogUploader {
	return &LogUploader{client: client, deviceUUID: deviceUUID}
}

// UploadLogs sends the batch on behalf of the bound device.
func (u *LogUploader) UploadLogs(ctx context.Context, entries []logs.Entry) error {
	return errors.Trace(u.client.UploadLogs(ctx, u.deviceUUID, entries))
}

func (c *Client) url(format string, args ...interface{}) string {
	return c.baseURL + fmt.Sprintf(format, args...)
}

// do sends a JSON request and decodes a 200 response into result when
// given. The status code always comes back so callers can map the
// endpoint-specific failures.
func (c *Client) do(ctx context.Context, method, path, bearer string, body, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		buffer := new(bytes.Buffer)
		if err := json.NewEncoder(buffer).Encode(body); err != nil {
			return 0, errors.Trace(err)
		}
		reader = buffer
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, errors.Annotate(err, "constructing request")
	}
	req.Header.Set("Accept", jsonMIME)
	if body != nil {
		req.Header.Set("Content-Type", jsonMIME)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.logger.IsTraceEnabled() {
		c.logger.Tracef("%s %s -> %d", method, path, resp.StatusCode)
	}

	if resp.StatusCode == http.StatusOK && result != nil {
		if err := httprequest.UnmarshalJSONResponse(resp, result); err != nil {
			return resp.StatusCode, errors.Annotate(err, "decoding response")
		}
		return resp.StatusCode, nil
	}
	c.discard(resp)
	return resp.StatusCode, nil
}

func (c *Client) discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
}
