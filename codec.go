// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"crypto/x509"
	"errors"
	"fmt"

	xocsp "golang.org/x/crypto/ocsp"

	"github.com/matthewpi/ocspresponder/internal/ocsp"
)

// Codec converts between the wire encoding of OCSP and the types of this
// package.
type Codec interface {
	// DecodeRequest decodes an OCSP request.
	DecodeRequest(der []byte) (*Request, error)

	// MatchesIssuer reports whether q names issuer as its issuer.
	MatchesIssuer(q CertificateQuery, issuer *x509.Certificate) bool

	// EncodeResponse encodes a response with the given outer status. payload
	// must be nil unless status is Successful, in which case it is signed
	// during encoding.
	EncodeResponse(status ResponseStatus, payload *SignedResponse) ([]byte, error)
}

// DERCodec returns the RFC 6960 DER Codec.
func DERCodec() Codec {
	return derCodec{}
}

type derCodec struct{}

var _ Codec = derCodec{}

func (derCodec) DecodeRequest(der []byte) (*Request, error) {
	req, err := ocsp.ParseRequest(der)
	if err != nil {
		return nil, err
	}

	r := &Request{Queries: make([]CertificateQuery, len(req.CertIDs))}
	for i, id := range req.CertIDs {
		r.Queries[i] = queryFromCertID(id)
	}
	if nonce, ok := req.Nonce(); ok {
		r.Nonce = nonce
	}
	return r, nil
}

func (derCodec) MatchesIssuer(q CertificateQuery, issuer *x509.Certificate) bool {
	id, err := certIDFromQuery(q)
	if err != nil {
		return false
	}
	return id.MatchesIssuer(issuer)
}

func (derCodec) EncodeResponse(status ResponseStatus, payload *SignedResponse) ([]byte, error) {
	if status != Successful {
		return ocsp.ErrorResponse(xocsp.ResponseStatus(status))
	}
	if payload == nil {
		return nil, errors.New("ocspresponder: successful response without payload")
	}

	tmpl := ocsp.ResponseTemplate{
		ResponderName:      payload.ResponderID.Name,
		ResponderKeyHash:   payload.ResponderID.KeyHash,
		ProducedAt:         payload.ProducedAt,
		Responses:          make([]ocsp.SingleResponse, len(payload.Responses)),
		Extensions:         payload.Extensions,
		SignatureAlgorithm: payload.SignatureAlgorithm,
		Signer:             payload.Signer,
		Certificates:       payload.Chain,
	}
	for i, res := range payload.Responses {
		id, err := certIDFromQuery(res.Query)
		if err != nil {
			return nil, err
		}
		tmpl.Responses[i] = ocsp.SingleResponse{
			CertID:           id,
			Status:           int(res.Status.Status),
			RevokedAt:        res.Status.RevokedAt,
			RevocationReason: int(res.Status.Reason),
			ThisUpdate:       res.ThisUpdate,
			NextUpdate:       res.NextUpdate,
		}
	}
	return ocsp.CreateResponse(tmpl)
}

func queryFromCertID(id ocsp.CertID) CertificateQuery {
	return CertificateQuery{
		HashAlgorithm:  id.Hash(),
		IssuerNameHash: id.NameHash,
		IssuerKeyHash:  id.IssuerKeyHash,
		SerialNumber:   id.SerialNumber,
		raw:            id.Raw,
	}
}

// certIDFromQuery rebuilds the CertID of q, re-using the original encoding
// when the query came out of DecodeRequest.
func certIDFromQuery(q CertificateQuery) (ocsp.CertID, error) {
	if len(q.raw) > 0 {
		return ocsp.ParseCertID(q.raw)
	}
	if q.SerialNumber == nil {
		return ocsp.CertID{}, errors.New("ocspresponder: query has no serial number")
	}
	algorithm, ok := ocsp.HashOID(q.HashAlgorithm)
	if !ok {
		return ocsp.CertID{}, fmt.Errorf("ocspresponder: %w: %s", ocsp.ErrUnsupportedHash, q.HashAlgorithm)
	}
	return ocsp.CertID{
		HashAlgorithm: algorithm,
		NameHash:      q.IssuerNameHash,
		IssuerKeyHash: q.IssuerKeyHash,
		SerialNumber:  q.SerialNumber,
	}, nil
}
