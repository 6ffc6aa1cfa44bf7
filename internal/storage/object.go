package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// Object talks to an HTTP object store. Objects live under
// <base>/<prefix>/<key>; conditional create uses If-None-Match so the run
// lock gets compare-and-set semantics from stores that support it.
type Object struct {
	client *resty.Client
	prefix string
}

// NewObject creates an object-store backend for the given base URL.
func NewObject(baseURL, prefix string) (*Object, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("storage: object backend requires a base URL")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("storage: invalid object base URL: %w", err)
	}

	// Retryable transport underneath resty: transient 5xx and connection
	// failures are retried with backoff before surfacing to the caller.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetHeader("User-Agent", "syphon-storage/1.0").
		SetTransport(retryClient.HTTPClient.Transport)

	return &Object{client: client, prefix: strings.Trim(prefix, "/")}, nil
}

func (o *Object) objectPath(key string) string {
	escaped := make([]string, 0, 4)
	for _, s := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(s))
	}
	return "/" + o.prefix + "/" + strings.Join(escaped, "/")
}

// Get fetches the object for key.
func (o *Object) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := o.client.R().SetContext(ctx).Get(o.objectPath(key))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return resp.Body(), nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	default:
		return nil, fmt.Errorf("get %s: unexpected status %d", key, resp.StatusCode())
	}
}

// Put atomically replaces the object for key.
func (o *Object) Put(ctx context.Context, key string, blob []byte) error {
	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(blob).
		Put(o.objectPath(key))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("put %s: unexpected status %d", key, resp.StatusCode())
	}
	return nil
}

// PutIfAbsent creates the object only when the key does not already exist,
// using an If-None-Match conditional write. A 412 from the store means a
// concurrent writer won.
func (o *Object) PutIfAbsent(ctx context.Context, key string, blob []byte) error {
	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader("If-None-Match", "*").
		SetBody(blob).
		Put(o.objectPath(key))
	if err != nil {
		return fmt.Errorf("put-if-absent %s: %w", key, err)
	}
	switch {
	case resp.StatusCode() == http.StatusPreconditionFailed:
		return fmt.Errorf("put-if-absent %s: %w", key, ErrExists)
	case resp.StatusCode() >= 300:
		return fmt.Errorf("put-if-absent %s: unexpected status %d", key, resp.StatusCode())
	}
	return nil
}

// Delete removes the object for key.
func (o *Object) Delete(ctx context.Context, key string) error {
	resp, err := o.client.R().SetContext(ctx).Delete(o.objectPath(key))
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	case resp.StatusCode() >= 300:
		return fmt.Errorf("delete %s: unexpected status %d", key, resp.StatusCode())
	}
	return nil
}

// List returns all keys under prefix. The store answers a listing request
// at the prefix root with a JSON array of key strings.
func (o *Object) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParam("prefix", prefix).
		Get("/" + o.prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list %s: unexpected status %d", prefix, resp.StatusCode())
	}

	var keys []string
	if err := sonic.Unmarshal(resp.Body(), &keys); err != nil {
		return nil, fmt.Errorf("list %s: decode listing: %w", prefix, err)
	}
	return keys, nil
}
