package routeros

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RESTConfig addresses one router's REST API (RouterOS v7)
type RESTConfig struct {
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
	Username           string
	Password           string
	Timeout            time.Duration
}

// RESTDevice talks to /rest on a RouterOS device with basic auth
type RESTDevice struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewRESTDevice creates a REST transport
func NewRESTDevice(cfg RESTConfig) *RESTDevice {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	host := cfg.Host
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.UseTLS && cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed router certificates
	}
	return &RESTDevice{
		baseURL:  fmt.Sprintf("%s://%s/rest", scheme, host),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

// restError is the body RouterOS returns with 4xx/5xx responses
type restError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (d *RESTDevice) List(ctx context.Context, table Table) ([]Object, error) {
	var objects []Object
	if err := d.do(ctx, http.MethodGet, d.path(table, ""), nil, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (d *RESTDevice) Get(ctx context.Context, table Table, id string) (Object, error) {
	var obj Object
	if err := d.do(ctx, http.MethodGet, d.path(table, id), nil, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (d *RESTDevice) Create(ctx context.Context, table Table, props Object) (string, error) {
	var obj Object
	if err := d.do(ctx, http.MethodPut, d.path(table, ""), props, &obj); err != nil {
		return "", err
	}
	if obj.ID() == "" {
		return "", fmt.Errorf("%w: create on %s returned no %s", ErrMalformed, table, KeyID)
	}
	return obj.ID(), nil
}

func (d *RESTDevice) Update(ctx context.Context, table Table, id string, props Object) error {
	return d.do(ctx, http.MethodPatch, d.path(table, id), props, nil)
}

func (d *RESTDevice) Delete(ctx context.Context, table Table, id string) error {
	return d.do(ctx, http.MethodDelete, d.path(table, id), nil, nil)
}

func (d *RESTDevice) path(table Table, id string) string {
	p := d.baseURL + "/" + string(table)
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (d *RESTDevice) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrInvalidOperation, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	req.SetBasicAuth(d.username, d.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	var re restError
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &re); err == nil && (re.Message != "" || re.Detail != "") {
		detail = strings.TrimSpace(re.Message + ": " + re.Detail)
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNoSuchObject, detail)
	case status == http.StatusBadRequest && strings.Contains(detail, "no such item"):
		return fmt.Errorf("%w: %s", ErrNoSuchObject, detail)
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnreachable, status, detail)
	case status >= 400:
		return rejected(fmt.Sprintf("HTTP %d: %s", status, detail))
	}
	return fmt.Errorf("%w: unexpected HTTP %d", ErrMalformed, status)
}
