// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocsp

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNoIssuerURL is returned when a certificate has no issuing certificate
// URL (Authority Information Access, caIssuers).
var ErrNoIssuerURL = errors.New("ocsp: no URL to get issuing certificate with")

// FetchIssuer attempts to get the issuer of the given leaf certificate by using
// the first IssuingCertificateURL found on the leaf certificate. If no
// IssuingCertificateURLs are present on the leaf certificate, ErrNoIssuerURL
// will be returned.
func FetchIssuer(ctx context.Context, client *http.Client, leaf *x509.Certificate) (*x509.Certificate, error) {
	if len(leaf.IssuingCertificateURL) == 0 {
		return nil, ErrNoIssuerURL
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, leaf.IssuingCertificateURL[0], nil)
	if err != nil {
		return nil, fmt.Errorf("error creating http request: %w", err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting issuer certificate: %w", err)
	}
	defer res.Body.Close()

	// Wrap the body with a limit reader to prevent us from reading too much
	// data.
	body := io.LimitReader(res.Body, 1024*1024)

	if expected := http.StatusOK; res.StatusCode != expected {
		b, err := io.ReadAll(body)
		if err == nil {
			return nil, fmt.Errorf("http: expected %d, got %d (%s)", expected, res.StatusCode, string(b))
		}
		return nil, fmt.Errorf("http: expected %d, got %d", expected, res.StatusCode)
	}

	issuerBytes, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("error reading issuer certificate: %w", err)
	}

	// caIssuers URLs usually serve DER, but PEM shows up in the wild too.
	if block, _ := pem.Decode(issuerBytes); block != nil && block.Type == "CERTIFICATE" {
		issuerBytes = block.Bytes
	}

	issuer, err := x509.ParseCertificate(issuerBytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing issuer certificate: %w", err)
	}
	if err := leaf.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("fetched certificate did not issue the leaf: %w", err)
	}
	return issuer, nil
}
