// Package gql sends GraphQL documents over HTTP and decodes typed results.
package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/internal/httpclient"
	"github.com/teranos/crmsync/logger"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 16 << 20

// Error is one entry of a GraphQL errors array.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	parts := make([]string, len(e.Path))
	for i, p := range e.Path {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ".") + ": " + e.Message
}

// Code returns extensions.code, if the server set one.
func (e Error) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

// Client posts documents to one endpoint.
type Client struct {
	endpoint string
	http     *httpclient.Client
	log      *zap.SugaredLogger
}

// NewClient returns a client for endpoint.
func NewClient(endpoint string, hc *httpclient.Client, log *zap.SugaredLogger) (*Client, error) {
	if hc == nil {
		hc = httpclient.New(httpclient.Options{})
	}
	if _, err := hc.Check(endpoint); err != nil {
		return nil, errors.Wrapf(err, "graphql endpoint %q", endpoint)
	}
	return &Client{endpoint: endpoint, http: hc, log: logger.OrNop(log).Named("gql")}, nil
}

// Endpoint returns the URL documents are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response[T any] struct {
	Data   *T      `json:"data"`
	Errors []Error `json:"errors"`
}

// Request posts document with variables and decodes data into TResult.
//
// Transport failures and 5xx statuses are marked ErrServiceUnavailable;
// GraphQL errors are combined into one error carrying each message, marked
// ErrNotFound or ErrConflict when the server's extensions.code says so.
func Request[TResult any](ctx context.Context, c *Client, document string, variables map[string]any) (TResult, error) {
	var zero TResult
	body, err := json.Marshal(request{Query: document, Variables: variables})
	if err != nil {
		return zero, errors.Wrap(err, "encode graphql request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return zero, errors.Wrap(err, "build graphql request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "post %s", c.endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return zero, errors.Wrap(errors.Mark(err, errors.ErrServiceUnavailable), "read graphql response")
	}
	switch {
	case resp.StatusCode >= 500:
		return zero, errors.WithDetailf(
			errors.Wrapf(errors.ErrServiceUnavailable, "graphql endpoint returned %s", resp.Status),
			"body: %.512s", data)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return zero, errors.WithHint(
			errors.Newf("graphql endpoint returned %s", resp.Status),
			"check the sync.token setting")
	}

	var out response[TResult]
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, errors.WithDetailf(
			errors.Wrapf(errors.ErrInvalidRequest, "decode graphql response (%s): %v", resp.Status, err),
			"body: %.512s", data)
	}
	if len(out.Errors) > 0 {
		c.log.Debugw("GraphQL errors", logger.FieldCount, len(out.Errors), logger.FieldError, out.Errors[0].Message)
		return zero, combine(out.Errors)
	}
	if out.Data == nil {
		return zero, errors.Wrap(errors.ErrInvalidRequest, "graphql response without data")
	}
	return *out.Data, nil
}

func combine(errs []Error) error {
	var err error
	for _, e := range errs {
		var cur error = e
		switch strings.ToUpper(e.Code()) {
		case "NOT_FOUND":
			cur = errors.Mark(cur, errors.ErrNotFound)
		case "CONFLICT", "BAD_USER_INPUT":
			cur = errors.Mark(cur, errors.ErrConflict)
		}
		err = errors.CombineErrors(err, cur)
	}
	return errors.Wrap(err, "graphql")
}
