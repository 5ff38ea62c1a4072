// Package httpapi implements the connector contract over a REST-style
// plugin API. Resource containers map to nested collection URLs
// (/journals/12/articles), listings return either a bare JSON array or a
// paginated envelope with a next link, and binary attachments stream
// through a /content sub-resource.
package httpapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/cdlib/journal-transporter/pkg/config"
	"github.com/cdlib/journal-transporter/pkg/connector"
	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/metrics"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

func init() {
	connector.Register(config.ProtocolHTTP, New)
}

const requestTimeout = 5 * time.Minute

// Client talks to one server's HTTP plugin API.
type Client struct {
	server    config.ServerDefinition
	baseURL   string
	logger    *zap.Logger
	http      *http.Client
	transport *http.Transport
}

// New builds an HTTP connector for the server definition.
func New(server config.ServerDefinition, logger *zap.Logger) (connector.Connector, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("failed to configure HTTP/2", zap.Error(err))
	}

	return &Client{
		server:    server,
		baseURL:   baseURL(server),
		logger:    logger.With(zap.String("server", server.Name)),
		transport: transport,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}, nil
}

// baseURL derives the API root. A host carrying an explicit scheme is
// used verbatim; otherwise https against the dial address.
func baseURL(server config.ServerDefinition) string {
	root := server.Host
	if !strings.Contains(root, "://") {
		root = "https://" + server.Addr()
	}
	return strings.TrimRight(root, "/") + "/" + strings.Trim(server.BasePath, "/")
}

// urlFor renders a path as a collection or item URL. On the target side
// parent segments address by TargetID once set.
func (c *Client) urlFor(path connector.Path) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(c.baseURL, "/"))
	for _, seg := range path {
		b.WriteByte('/')
		b.WriteString(string(seg.Type))
		key := seg.SourceKey
		if seg.TargetID != "" {
			key = seg.TargetID
		}
		if key != "" {
			b.WriteByte('/')
			b.WriteString(url.PathEscape(key))
		}
	}
	return b.String()
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "journal-transporter/1.0")
	switch {
	case c.server.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.server.Token)
	case c.server.Username != "":
		req.SetBasicAuth(c.server.Username, c.server.Password)
	}
	return req, nil
}

// do executes the request and translates transport and status outcomes
// into typed errors. The caller owns the response body on success.
func (c *Client) do(req *http.Request, operation string) (*http.Response, error) {
	timer := metrics.NewTimer(c.server.Name, operation)
	resp, err := c.http.Do(req)
	timer.Stop()
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "request failed").
			WithDetail("url", req.URL.String())
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil, statusError(resp.StatusCode, req.URL.String(), body)
}

// statusError maps an HTTP status to the error taxonomy. Timeouts,
// throttling and server-side failures are transient; the rest of the 4xx
// range means the request itself is bad.
func statusError(status int, rawURL string, body []byte) error {
	msg := fmt.Sprintf("server returned %d", status)
	var errType errors.ErrorType
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		errType = errors.ErrorTypeAuth
	case status == http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		errType = errors.ErrorTypeNetwork
	default:
		errType = errors.ErrorTypeValidation
	}
	err := errors.New(errType, msg).WithDetail("url", rawURL).WithDetail("status", status)
	if len(body) > 0 {
		err = err.WithDetail("body", string(body))
	}
	return err
}

// Ping issues a bare request against the API root so connectivity and
// credential problems surface before a transfer begins. A not-found
// answer still proves the server is reachable and accepted the
// credentials.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "ping")
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// listEnvelope is the paginated listing shape. Servers may also return a
// bare array.
type listEnvelope struct {
	Results []gojson.RawMessage `json:"results"`
	Next    string              `json:"next"`
}

// ListResources enumerates children of childType under path, following
// pagination links until exhausted.
func (c *Client) ListResources(ctx context.Context, path connector.Path, childType resource.Type) ([]connector.Stub, error) {
	next := c.urlFor(path) + "/" + string(childType)
	var stubs []connector.Stub
	for next != "" {
		req, err := c.newRequest(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.do(req, "list")
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "failed to read listing").
				WithDetail("url", next)
		}

		page, nextURL, err := decodeListing(data, next)
		if err != nil {
			return nil, err
		}
		stubs = append(stubs, page...)
		next = nextURL
	}
	return stubs, nil
}

// decodeListing accepts either a bare JSON array or a results envelope.
func decodeListing(data []byte, rawURL string) ([]connector.Stub, string, error) {
	var raw []gojson.RawMessage
	var next string
	if err := gojson.Unmarshal(data, &raw); err != nil {
		var env listEnvelope
		if err := gojson.Unmarshal(data, &env); err != nil {
			return nil, "", errors.Wrap(err, errors.ErrorTypeValidation, "listing is not valid JSON").
				WithDetail("url", rawURL)
		}
		raw = env.Results
		next = env.Next
	}

	stubs := make([]connector.Stub, 0, len(raw))
	for _, item := range raw {
		var ident struct {
			SourceKey string                     `json:"source_record_key"`
			Files     []connector.FileDescriptor `json:"files"`
		}
		if err := gojson.Unmarshal(item, &ident); err != nil {
			return nil, "", errors.Wrap(err, errors.ErrorTypeValidation, "listing entry is not an object").
				WithDetail("url", rawURL)
		}
		if ident.SourceKey == "" {
			return nil, "", errors.New(errors.ErrorTypeValidation, "listing entry has no source_record_key").
				WithDetail("url", rawURL)
		}
		stubs = append(stubs, connector.Stub{
			SourceKey:     ident.SourceKey,
			KeyAttributes: item,
			Files:         ident.Files,
		})
	}
	return stubs, next, nil
}

// GetDetail retrieves the resource's full representation.
func (c *Client) GetDetail(ctx context.Context, path connector.Path) (gojson.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.urlFor(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, "detail")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "failed to read detail").
			WithDetail("path", path.String())
	}
	if !gojson.Valid(data) {
		return nil, errors.New(errors.ErrorTypeValidation, "detail is not valid JSON").
			WithDetail("path", path.String())
	}
	return data, nil
}

// GetFileContent streams a binary attachment through the file resource's
// content sub-resource.
func (c *Client) GetFileContent(ctx context.Context, path connector.Path, file connector.FileDescriptor) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.urlFor(path)+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := c.do(req, "file")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// pushResponse is the creation acknowledgment. Servers report the key
// they assigned under target_record_key or source_record_key.
type pushResponse struct {
	TargetKey string `json:"target_record_key"`
	SourceKey string `json:"source_record_key"`
	ID        any    `json:"id"`
}

// PushResource creates the resource on the target and returns the record
// key the target assigned.
func (c *Client) PushResource(ctx context.Context, path connector.Path, detail gojson.RawMessage) (string, error) {
	collection := c.urlFor(path[:len(path)-1]) + "/" + string(path.Leaf().Type)
	req, err := c.newRequest(ctx, http.MethodPost, collection, bytes.NewReader(detail))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req, "push")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeNetwork, "failed to read push response").
			WithDetail("path", path.String())
	}
	var ack pushResponse
	if err := gojson.Unmarshal(data, &ack); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "push response is not valid JSON").
			WithDetail("path", path.String())
	}
	switch {
	case ack.TargetKey != "":
		return ack.TargetKey, nil
	case ack.SourceKey != "":
		return ack.SourceKey, nil
	case ack.ID != nil:
		return fmt.Sprint(ack.ID), nil
	}
	return "", errors.New(errors.ErrorTypeValidation, "push response carries no record key").
		WithDetail("path", path.String())
}

// PushFile uploads one binary attachment to the file resource's content
// sub-resource.
func (c *Client) PushFile(ctx context.Context, path connector.Path, name string, content io.Reader, size int64) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.urlFor(path)+"/content", content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if size > 0 {
		req.ContentLength = size
	}
	resp, err := c.do(req, "push")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
