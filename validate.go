// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrMediaType is returned for requests with a content type other than
	// RequestMediaType.
	ErrMediaType = errors.New("ocspresponder: OCSP requests require the '" + RequestMediaType + "' media type")
	// ErrMethod is returned for requests that are neither GET nor POST.
	ErrMethod = errors.New("ocspresponder: only GET and POST methods are allowed")
	// ErrDecode is returned when the OCSP request could not be decoded.
	ErrDecode = errors.New("ocspresponder: failed to decode OCSP request")
	// ErrEmptyRequest is returned for requests without any certificate.
	ErrEmptyRequest = errors.New("ocspresponder: request list is empty")
	// ErrUnknownIssuer is returned when a certificate wasn't issued by any
	// recognized issuer.
	ErrUnknownIssuer = errors.New("ocspresponder: certificate is not of a recognized issuer's responsibility")
	// ErrIssuerMismatch is returned when the certificates of a request don't
	// all share the same issuer.
	ErrIssuerMismatch = errors.New("ocspresponder: request spans more than one issuer")
)

// RequestError is a rejection of a request by validation. Status is the outer
// status the rejection is answered with.
type RequestError struct {
	Status ResponseStatus
	// Reason is a human readable explanation, suitable for logs.
	Reason string
	// Err is one of the Err* sentinels, possibly wrapping the underlying
	// failure.
	Err error
}

func (e *RequestError) Error() string {
	return e.Reason
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func reject(status ResponseStatus, err error) *RequestError {
	return &RequestError{Status: status, Reason: err.Error(), Err: err}
}

// Validate checks that req is a well-formed OCSP request this responder is
// authoritative for.
//
// Rejections are returned as a *RequestError. Any other error is a fault,
// typically of the Repository.
func (r *Responder) Validate(ctx context.Context, req ProtocolRequest) (*ValidatedRequest, error) {
	if !isRequestMediaType(req.MediaType) {
		return nil, reject(MalformedRequest, ErrMediaType)
	}

	der, err := requestBytes(req)
	if err != nil {
		return nil, reject(MalformedRequest, err)
	}
	decoded, err := r.codec.DecodeRequest(der)
	if err != nil {
		return nil, reject(MalformedRequest, fmt.Errorf("%w: %w", ErrDecode, err))
	}

	if len(decoded.Queries) < 1 {
		return nil, reject(MalformedRequest, ErrEmptyRequest)
	}

	issuers, err := r.repository.RecognizedIssuers(ctx)
	if err != nil {
		return nil, fmt.Errorf("ocspresponder: failed to get recognized issuers: %w", err)
	}

	// Every query must resolve to the issuer of the first one.
	validated := &ValidatedRequest{Request: decoded}
	for i, q := range decoded.Queries {
		var issuer *x509.Certificate
		for _, candidate := range issuers {
			if r.codec.MatchesIssuer(q, candidate) {
				issuer = candidate
				break
			}
		}
		if issuer == nil {
			return nil, reject(Unauthorized, fmt.Errorf("%w (serial %s)", ErrUnknownIssuer, q.SerialNumber.Text(16)))
		}
		if i == 0 {
			validated.Issuer = issuer
			continue
		}
		if !issuer.Equal(validated.Issuer) {
			return nil, reject(Unauthorized, fmt.Errorf("%w (serial %s)", ErrIssuerMismatch, q.SerialNumber.Text(16)))
		}
	}
	return validated, nil
}

// isRequestMediaType reports whether mediaType is RequestMediaType, ignoring
// case and parameters.
func isRequestMediaType(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return false
	}
	return mt == RequestMediaType
}

// requestBytes extracts the encoded OCSP request from req.
func requestBytes(req ProtocolRequest) ([]byte, error) {
	switch strings.ToUpper(req.Method) {
	case http.MethodPost:
		return req.Body, nil
	case http.MethodGet:
		return requestBytesFromURI(req.URI)
	default:
		return nil, fmt.Errorf("%w (got %q)", ErrMethod, req.Method)
	}
}

// requestBytesFromURI decodes the last path segment of uri, which must be the
// URL encoding of the base64 encoding of a DER OCSP request.
func requestBytesFromURI(uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request uri: %w", ErrDecode, err)
	}
	path := u.EscapedPath()
	segment := path[strings.LastIndex(path, "/")+1:]
	if segment == "" {
		return nil, fmt.Errorf("%w: request uri has no request segment", ErrDecode)
	}
	segment, err = url.PathUnescape(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	// RFC 6960 asks for base64, base64url shows up in the wild too.
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if der, err := enc.DecodeString(segment); err == nil {
			return der, nil
		}
	}
	return nil, fmt.Errorf("%w: request segment is not valid base64", ErrDecode)
}
