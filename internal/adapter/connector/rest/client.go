package rest

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// Client speaks to a directory exposed over a JSON HTTP API:
//
//	GET    /entities?since=&page_token=   page of entities
//	POST   /entities/fetch                entities by correlation key
//	GET    /entities/{ref}                one live entity, 404 when absent
//	POST   /entities                      create
//	PATCH  /entities/{ref}                update
//	DELETE /entities/{ref}                delete
//
// Writes carry an Idempotency-Key header. A 202 response means the target
// confirms the write later.
type Client struct {
	cfg     Config
	http    *http.Client
	retry   RetryPolicy
	limiter *RateLimiter
	breaker CircuitBreaker
}

func New(name string, cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		retry: RetryPolicy{
			MaxRetries: cfg.RetryCount,
			BaseDelay:  cfg.RetryDelay,
		},
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		breaker: NewCircuitBreaker(name, cfg),
	}
}

type entityPage struct {
	Items         []connector.Entity `json:"items"`
	NextPageToken string             `json:"next_page_token"`
}

type writeBody struct {
	Ref        string               `json:"ref,omitempty"`
	Attributes connector.Attributes `json:"attributes,omitempty"`
}

func (c *Client) call(ctx context.Context, method, path string, headers map[string]string, body, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var status int
	err := c.breaker.Execute(func() error {
		var err error
		status, err = c.doRequest(ctx, method, path, headers, body, out)
		return err
	})
	return status, err
}

func (c *Client) read(ctx context.Context, method, path string, body, out any) (int, error) {
	var status int
	err := c.retry.Do(ctx, func() error {
		var err error
		status, err = c.call(ctx, method, path, nil, body, out)
		return err
	})
	return status, err
}

func (c *Client) Scan(ctx context.Context, req connector.ScanRequest) iter.Seq2[connector.Entity, error] {
	return func(yield func(connector.Entity, error) bool) {
		token := ""
		for {
			query := url.Values{}
			if req.Since != nil {
				query.Set("since", req.Since.UTC().Format(time.RFC3339Nano))
			}
			if token != "" {
				query.Set("page_token", token)
			}
			path := "/entities"
			if encoded := query.Encode(); encoded != "" {
				path += "?" + encoded
			}

			var page entityPage
			if _, err := c.read(ctx, http.MethodGet, path, nil, &page); err != nil {
				yield(connector.Entity{}, err)
				return
			}
			for _, e := range page.Items {
				if !yield(e, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			token = page.NextPageToken
		}
	}
}

func (c *Client) Fetch(ctx context.Context, keys []string) ([]connector.Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var page entityPage
	if _, err := c.read(ctx, http.MethodPost, "/entities/fetch", map[string][]string{"keys": keys}, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *Client) Observe(ctx context.Context, ref string) (*connector.Entity, error) {
	var e connector.Entity
	_, err := c.read(ctx, http.MethodGet, "/entities/"+url.PathEscape(ref), nil, &e)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, nil
	}
	return &e, nil
}

func (c *Client) Apply(ctx context.Context, req connector.ApplyRequest) connector.Result {
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}

	var method, path string
	var body any
	switch req.Kind {
	case connector.ApplyCreate:
		method, path, body = http.MethodPost, "/entities", writeBody{Ref: req.Ref, Attributes: req.Payload}
	case connector.ApplyUpdate:
		method, path, body = http.MethodPatch, "/entities/"+url.PathEscape(req.Ref), writeBody{Attributes: req.Payload}
	case connector.ApplyDelete:
		method, path = http.MethodDelete, "/entities/"+url.PathEscape(req.Ref)
	default:
		return connector.Failed(connector.FailurePermanent, "unsupported write "+string(req.Kind))
	}

	status, err := c.call(ctx, method, path, headers, body, nil)
	if err != nil {
		return connector.Failed(classify(err), err.Error())
	}
	if status == http.StatusAccepted {
		return connector.Accepted(http.StatusText(status))
	}
	return connector.Applied(http.StatusText(status))
}
