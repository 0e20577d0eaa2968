/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router. It
is perfectly suited for unit tests: an authorization can be attached to the
request context directly, bypassing token verification.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/omicsdm/server/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router *mux.Router
	auth   *access.Authorization
	ctx    context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router.
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// WithAuthorization returns a new client with a specific authorization
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithGroups returns a new client authorized with the given Keycloak groups
func (c Client) WithGroups(name string, groups ...string) Client {
	return c.WithAuthorization(&access.Authorization{Name: name, Groups: groups})
}

// WithAdminAuthorization returns a new client with admin authorization
func (c Client) WithAdminAuthorization() Client {
	return c.WithGroups("admin-user", access.AdminGroup)
}

// WithContext returns a new client with a specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// RawGet gets the resource at path and decodes the JSON response into result.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.do(http.MethodGet, path, nil, result)
}

// RawPost posts body to path and decodes the JSON response into result.
func (c Client) RawPost(path string, body, result interface{}) (int, error) {
	return c.do(http.MethodPost, path, body, result)
}

// RawPut puts body to path and decodes the JSON response into result.
func (c Client) RawPut(path string, body, result interface{}) (int, error) {
	return c.do(http.MethodPut, path, body, result)
}

func (c Client) do(method, path string, body, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		j, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(j)
	}
	r := httptest.NewRequest(method, path, reader).WithContext(c.context())
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)

	res := rec.Result()
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)

	if res.StatusCode >= http.StatusMultipleChoices {
		return res.StatusCode, fmt.Errorf("%s: %s", res.Status, string(data))
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return res.StatusCode, err
		}
	}
	return res.StatusCode, nil
}
