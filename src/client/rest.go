package client

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// MessageAPI is the REST surface the session needs. Mutations are
// authoritative only once these calls succeed.
type MessageAPI interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// RESTClient calls the application's message API over fasthttp.
type RESTClient struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	client *fasthttp.Client
}

// NewRESTClient creates a REST client for baseURL. A nil hc uses a default
// fasthttp client.
func NewRESTClient(baseURL, token string, hc *fasthttp.Client) *RESTClient {
	if hc == nil {
		hc = &fasthttp.Client{Name: "roomcast"}
	}
	return &RESTClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Timeout: 10 * time.Second,
		client:  hc,
	}
}

// DeleteMessage issues DELETE /api/messages/{id}.
func (c *RESTClient) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, fasthttp.MethodDelete, "/api/messages/"+url.PathEscape(messageID))
}

func (c *RESTClient) do(ctx context.Context, method, path string) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.BaseURL + path)
	req.Header.SetMethod(method)
	if c.Token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.Token)
	}

	timeout := c.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}

	if status := resp.StatusCode(); status < 200 || status > 299 {
		return &HTTPError{Status: status, Body: string(resp.Body())}
	}
	return nil
}
