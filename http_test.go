// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/matthewpi/ocspresponder/internal/ocsp"
)

func TestServeHTTP_POST(t *testing.T) {
	f := newFixture(t)
	f.repo.issue(f.ca.Cert, 1, nil)
	srv := httptest.NewServer(f.responder)
	t.Cleanup(srv.Close)

	res, err := http.Post(srv.URL, RequestMediaType, bytes.NewReader(f.request(t, []byte("nonce"), 1)))
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ResponseMediaType, res.Header.Get("Content-Type"))
	assert.Empty(t, res.Header.Get("Cache-Control"))

	parsed, err := ocsp.ParseAndVerifyResponse(body, f.ca.Cert)
	require.NoError(t, err)
	nonce, ok := parsed.Nonce()
	require.True(t, ok)
	assert.Equal(t, []byte("nonce"), nonce)
}

func TestServeHTTP_GET(t *testing.T) {
	f := newFixture(t)
	f.repo.issue(f.ca.Cert, 1, nil)
	srv := httptest.NewServer(f.responder)
	t.Cleanup(srv.Close)

	encoded := url.PathEscape(base64.StdEncoding.EncodeToString(f.request(t, nil, 1)))
	// No Content-Type, the request is in the URL.
	res, err := http.Get(srv.URL + "/" + encoded)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ResponseMediaType, res.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(res.Header.Get("Cache-Control"), "max-age=3600,"))
	assert.Equal(t, testNow.Format(http.TimeFormat), res.Header.Get("Last-Modified"))
	assert.Equal(t, testNow.Add(time.Hour).Format(http.TimeFormat), res.Header.Get("Expires"))
	assert.NotEmpty(t, res.Header.Get("ETag"))

	parsed, err := ocsp.ParseAndVerifyResponse(body, f.ca.Cert)
	require.NoError(t, err)
	assert.Equal(t, []status{{Serial: 1, Status: xocsp.Good}}, statuses(parsed))
}

func TestServeHTTP_AlwaysOK(t *testing.T) {
	f := newFixture(t)
	f.repo.issue(f.ca.Cert, 1, nil)

	tests := []struct {
		name string
		req  func() *http.Request
		want []byte
	}{
		{
			name: "wrong content type",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(f.request(t, nil, 1)))
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			want: xocsp.MalformedRequestErrorResponse,
		},
		{
			name: "garbage",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
				r.Header.Set("Content-Type", RequestMediaType)
				return r
			},
			want: xocsp.MalformedRequestErrorResponse,
		},
		{
			name: "too large",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, MaxRequestSize+1)))
				r.Header.Set("Content-Type", RequestMediaType)
				return r
			},
			want: xocsp.MalformedRequestErrorResponse,
		},
		{
			name: "unknown issuer",
			req: func() *http.Request {
				other := newFixture(t)
				r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(other.request(t, nil, 1)))
				r.Header.Set("Content-Type", RequestMediaType)
				return r
			},
			want: xocsp.UnauthorizedErrorResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.responder.ServeHTTP(rec, tt.req())

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, ResponseMediaType, rec.Header().Get("Content-Type"))
			assert.Empty(t, rec.Header().Get("Cache-Control"))
			assert.Equal(t, tt.want, rec.Body.Bytes())
		})
	}
}

func TestServeHTTP_InternalError(t *testing.T) {
	f := newFixture(t)
	f.repo.panicOn = "RecognizedIssuers"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(f.request(t, nil, 1)))
	req.Header.Set("Content-Type", RequestMediaType)
	f.responder.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xocsp.InternalErrorErrorResponse, rec.Body.Bytes())
}
