// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ocsp"
)

const (
	// RequestMediaType is the media type of DER encoded OCSP requests.
	RequestMediaType = "application/ocsp-request"
	// ResponseMediaType is the media type of DER encoded OCSP responses.
	ResponseMediaType = "application/ocsp-response"
)

// QueryOpts represent the options for a query request.
type QueryOpts struct {
	// Certificates to query information about, all issued by Issuer.
	Certificates []*x509.Certificate
	// Issuer to verify the OCSP response against.
	Issuer *x509.Certificate
	// ServerURL is the url to the OCSP server for the certificates.
	ServerURL string

	// Hash contains the hash function that should be used when
	// constructing the OCSP request. If zero, SHA-256 will be used.
	Hash crypto.Hash

	// Nonce, when set, is sent in the request and must be echoed by the
	// responder.
	Nonce []byte

	// UseGET sends the request base64 encoded in the URL path instead of as
	// a POST body.
	UseGET bool

	// MaxRetries is the number of times a failed HTTP round trip is retried
	// with an exponential backoff.
	MaxRetries uint64

	// Client is the HTTP client to use, http.DefaultClient when nil.
	Client *http.Client
}

// QueryResponse is the response from an OCSP query.
type QueryResponse struct {
	// Response is the decoded OCSP response.
	*Response

	// Bytes of the response.
	Bytes []byte
}

// ResponseError is returned when a responder answers with an unsuccessful
// outer status.
type ResponseError struct {
	Status ocsp.ResponseStatus
}

func (e ResponseError) Error() string {
	return "ocsp: responder returned " + e.Status.String()
}

// Query attempts to query the OCSP responder at q.ServerURL about every
// certificate in q.Certificates.
func Query(ctx context.Context, q QueryOpts) (*QueryResponse, error) {
	// Parse the server url.
	ocspURL, err := url.Parse(q.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing ocsp server url: %w", err)
	}

	// Get the hash from the options, if it is unset, use SHA-256.
	hash := q.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}

	// Create an OCSP request.
	ocspReq, err := CreateRequestForCertificates(q.Issuer, q.Certificates, &RequestOptions{Hash: hash, Nonce: q.Nonce})
	if err != nil {
		return nil, fmt.Errorf("error creating ocsp request: %w", err)
	}

	client := q.Client
	if client == nil {
		client = http.DefaultClient
	}

	var data []byte
	operation := func() error {
		req, err := newHTTPRequest(ctx, ocspURL, ocspReq, q.UseGET)
		if err != nil {
			return backoff.Permanent(err)
		}
		data, err = roundTrip(client, req)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), q.MaxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}

	// Parse and verify the OCSP response.
	ocspRes, err := ParseAndVerifyResponse(data, q.Issuer)
	if err != nil {
		return nil, fmt.Errorf("error handling ocsp response: %w", err)
	}
	if got := len(ocspRes.Responses); got != len(q.Certificates) {
		return nil, fmt.Errorf("ocsp: expected %d certificate statuses, got %d", len(q.Certificates), got)
	}
	if q.Nonce != nil {
		nonce, ok := ocspRes.Nonce()
		if !ok || !bytes.Equal(nonce, q.Nonce) {
			return nil, errors.New("ocsp: responder did not echo the request nonce")
		}
	}

	return &QueryResponse{
		Response: ocspRes,
		Bytes:    data,
	}, nil
}

// newHTTPRequest wraps an encoded OCSP request into an HTTP request.
func newHTTPRequest(ctx context.Context, server *url.URL, ocspReq []byte, get bool) (*http.Request, error) {
	if get {
		u := *server
		encoded := url.PathEscape(base64.StdEncoding.EncodeToString(ocspReq))
		u.RawPath = strings.TrimSuffix(u.EscapedPath(), "/") + "/" + encoded
		u.Path, _ = url.PathUnescape(u.RawPath)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("error creating http request: %w", err)
		}
		req.Header.Set("Accept", ResponseMediaType)
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.String(), bytes.NewReader(ocspReq))
	if err != nil {
		return nil, fmt.Errorf("error creating http request: %w", err)
	}
	req.Header.Set("Accept", ResponseMediaType)
	req.Header.Set("Content-Type", RequestMediaType)
	req.Header.Set("Host", server.Host)
	return req, nil
}

// roundTrip sends req and reads the response body.
func roundTrip(client *http.Client, req *http.Request) ([]byte, error) {
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error from ocsp server: %w", err)
	}
	defer res.Body.Close()

	// Wrap the body with a limit reader to prevent us from reading too much
	// data.
	body := io.LimitReader(res.Body, 1024*1024)

	if expected := http.StatusOK; res.StatusCode != expected {
		err := fmt.Errorf("http: expected %d, got %d", expected, res.StatusCode)
		if b, rErr := io.ReadAll(body); rErr == nil {
			err = fmt.Errorf("http: expected %d, got %d (%s)", expected, res.StatusCode, string(b))
		}
		// Client errors won't go away by retrying.
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	// Read all the response data.
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("error reading ocsp response: %w", err)
	}
	return data, nil
}

// ParseAndVerifyResponse parses an OCSP response and verifies both its
// signature and, when the signer is a delegated responder, the chain of the
// signing certificate up to issuer.
//
// ref; https://github.com/golang/go/issues/43522#issuecomment-755389499
func ParseAndVerifyResponse(data []byte, issuer *x509.Certificate) (*Response, error) {
	res, err := ParseResponse(data)
	if err != nil {
		return nil, err
	}
	if res.Status != ocsp.Success {
		return nil, ResponseError{Status: res.Status}
	}

	// Without embedded certificates the issuer itself must have signed.
	if len(res.Certificates) < 1 {
		if err := res.CheckSignatureFrom(issuer); err != nil {
			return nil, &VerifyError{Reason: "bad signature: " + err.Error()}
		}
		return res, nil
	}

	signer := res.Certificates[0]
	if err := res.CheckSignatureFrom(signer); err != nil {
		return nil, &VerifyError{Reason: "bad signature: " + err.Error()}
	}
	if signer.Equal(issuer) {
		return res, nil
	}

	// Verify OCSP responder certificate against the issuer, ensuring that
	// OCSP signing is allowed.
	caPool := x509.NewCertPool()
	caPool.AddCert(issuer)
	chains, err := signer.Verify(x509.VerifyOptions{
		Roots:     caPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	})
	if err != nil {
		return nil, err
	}

	// 1 chain with 2 certs (leaf and issuer) should be returned
	// on verification success; treat other results as an error.
	if len(chains) < 1 {
		return nil, &VerifyError{Reason: "no matching chains"}
	}
	if len(chains) > 1 {
		return nil, &VerifyError{Reason: "too many matching chains"}
	}
	if len(chains[0]) != 2 {
		return nil, &VerifyError{Reason: "chain mismatch"}
	}

	// Verification was successful.
	return res, nil
}

// VerifyError represents a OCSP responder verification error.
type VerifyError struct {
	// Reason why the verification failed.
	Reason string
}

func (e *VerifyError) Error() string {
	return "ocsp: responder cert failed verification (" + e.Reason + ")"
}
