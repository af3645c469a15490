/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests; with NewWithURL it can also talk to
a running service over the network.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/campdir/campdir/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	principal  *access.Principal
	ctx        context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// backend, directly through the mux router.
//
// WithPrincipal() adds a principal to the request context.
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL creates a client to make REST requests to a running backend.
//
// WithToken() adds a bearer token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithPrincipal returns a new client with the principal injected into the
// request context. This works only directly against the mux router; for a
// network client use WithToken().
func (c Client) WithPrincipal(principal *access.Principal) Client {
	c.principal = principal
	return c
}

// WithRole returns a new client with a fresh principal carrying the role
func (c Client) WithRole(role string) Client {
	return c.WithPrincipal(&access.Principal{UserID: uuid.New(), Role: role})
}

// WithAdminAuthorization returns a new client with admin authorization
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole(access.RoleAdmin)
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.principal != nil {
		ctx = c.principal.ContextWithPrincipal(ctx)
	}
	return ctx
}

// Get gets the resource at path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings. result can be nil.
func (c Client) Get(path string, result interface{}) (int, error) {
	return c.do(http.MethodGet, path, nil, "", result, http.StatusOK)
}

// Post posts the body to path. Expects http.StatusOK or http.StatusCreated
// as response. body can also be a raw []byte, result can be nil.
func (c Client) Post(path string, body interface{}, result interface{}) (int, error) {
	j, err := bodyBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	return c.do(http.MethodPost, path, bytes.NewReader(j), "", result, http.StatusOK, http.StatusCreated)
}

// Put puts the body to path. Expects http.StatusOK as response.
// body can also be a raw []byte, result can be nil.
func (c Client) Put(path string, body interface{}, result interface{}) (int, error) {
	j, err := bodyBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	return c.do(http.MethodPut, path, bytes.NewReader(j), "", result, http.StatusOK)
}

// Delete deletes the resource at path. Expects http.StatusOK as response.
func (c Client) Delete(path string, result interface{}) (int, error) {
	return c.do(http.MethodDelete, path, nil, "", result, http.StatusOK)
}

// PutMultipart uploads data as a multipart form file, for the photo routes.
func (c Client) PutMultipart(path string, filename string, contentType string, data []byte) (int, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	fw, err := w.CreatePart(header)
	if err != nil {
		return 0, err
	}
	if _, err = fw.Write(data); err != nil {
		return 0, err
	}
	w.Close()
	return c.do(http.MethodPut, path, &b, w.FormDataContentType(), nil, http.StatusOK)
}

func bodyBytes(body interface{}) ([]byte, error) {
	if j, ok := body.([]byte); ok {
		return j, nil
	}
	return json.Marshal(body)
}

func (c Client) do(method, path string, body io.Reader, contentType string, result interface{}, expected ...int) (int, error) {
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, body)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	ok := false
	for _, e := range expected {
		ok = ok || status == e
	}
	if !ok {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}
