// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/matthewpi/ocspresponder/internal/ocsp"
)

const (
	// RequestMediaType is the only media type accepted for requests.
	RequestMediaType = ocsp.RequestMediaType
	// ResponseMediaType is the media type of every response.
	ResponseMediaType = ocsp.ResponseMediaType
)

// ProtocolRequest is a transport neutral view of an inbound OCSP request.
type ProtocolRequest struct {
	// Method is the HTTP method, GET or POST.
	Method string
	// URI is the request URI. For GET requests its last path segment holds
	// the URL and base64 encoded OCSP request.
	URI string
	// MediaType is the content type of the request.
	MediaType string
	// Body is the raw payload, the DER encoded OCSP request for POST.
	Body []byte
}

// ProtocolResponse is a transport neutral OCSP response. It is always
// delivered with HTTP status 200, the outcome lives inside Body.
type ProtocolResponse struct {
	// Status is the outer status encoded into Body.
	Status    ResponseStatus
	MediaType string
	Body      []byte

	// ThisUpdate and NextUpdate are only set for Successful responses.
	ThisUpdate time.Time
	NextUpdate time.Time
}

// CertificateQuery identifies one certificate a request asks about.
type CertificateQuery struct {
	HashAlgorithm  crypto.Hash
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int

	// raw is the CertID as found in the request, echoed in the response.
	raw []byte
}

// Request is a decoded OCSP request.
type Request struct {
	// Queries are never reordered.
	Queries []CertificateQuery
	// Nonce is the value of the nonce extension, nil when absent.
	Nonce []byte
}

// ValidatedRequest is a request that passed validation, together with the
// single issuer every query resolved to.
type ValidatedRequest struct {
	*Request
	Issuer *x509.Certificate
}

// ResponderID identifies the responder in a signed response. Exactly one of
// the fields is set.
type ResponderID struct {
	// Name is a DER encoded Name.
	Name []byte
	// KeyHash is the SHA-1 hash of a public key.
	KeyHash []byte
}

// SingleResponse is the status of one CertificateQuery.
type SingleResponse struct {
	Query      CertificateQuery
	Status     RevocationStatus
	ThisUpdate time.Time
	NextUpdate time.Time
}

// SignedResponse is an assembled response that still has to be signed and
// encoded by a Codec.
type SignedResponse struct {
	ResponderID ResponderID
	ProducedAt  time.Time
	// Responses are in the order of the request queries.
	Responses  []SingleResponse
	Extensions []pkix.Extension

	SignatureAlgorithm x509.SignatureAlgorithm
	Signer             crypto.Signer
	Chain              []*x509.Certificate
}
