package gql

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/internal/httpclient"
)

type contractResult struct {
	Contract struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"contract"`
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/graphql", httpclient.Wrap(srv.Client()), nil)
	require.NoError(t, err)
	return c
}

func TestRequestDecodesData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req request
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Contains(t, req.Query, "contract(id:")
		assert.Equal(t, "c-1", req.Variables["id"])
		w.Write([]byte(`{"data":{"contract":{"id":"c-1","name":"Acme"}}}`))
	})

	got, err := Request[contractResult](context.Background(), c,
		`query($id: ID!) { contract(id: $id) { id name } }`, map[string]any{"id": "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Contract.Name)
}

func TestRequestGraphQLErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":null,"errors":[
			{"message":"contract not found","path":["contract"],"extensions":{"code":"NOT_FOUND"}},
			{"message":"second"}]}`))
	})

	_, err := Request[contractResult](context.Background(), c, `query { contract { id } }`, nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "contract: contract not found")
}

func TestRequestConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"stale version","extensions":{"code":"CONFLICT"}}]}`))
	})
	_, err := Request[contractResult](context.Background(), c, `mutation { x }`, nil)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRequestHTTPFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"server error", http.StatusBadGateway, "upstream down", func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
		}},
		{"unauthorized", http.StatusUnauthorized, "", func(t *testing.T, err error) {
			assert.NotEmpty(t, errors.GetAllHints(err))
		}},
		{"not json", http.StatusOK, "<html>", func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
		}},
		{"no data", http.StatusOK, `{}`, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := Request[contractResult](context.Background(), c, `query { x }`, nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRequestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, nil, nil)
	require.NoError(t, err)
	_, err = Request[contractResult](context.Background(), c, `query { x }`, nil)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	_, err := NewClient("ftp://crm.example.com", nil, nil)
	assert.Error(t, err)
}
