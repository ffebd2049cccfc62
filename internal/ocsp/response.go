// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RFC 6960 mandates SHA-1 for responder key hashes.
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
)

var oidBasicResponse = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}

type signatureAlgorithm struct {
	algorithm x509.SignatureAlgorithm
	oid       asn1.ObjectIdentifier
	hash      crypto.Hash
	rsa       bool
}

var signatureAlgorithms = []signatureAlgorithm{
	{x509.SHA256WithRSA, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, crypto.SHA256, true},
	{x509.SHA384WithRSA, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}, crypto.SHA384, true},
	{x509.SHA512WithRSA, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}, crypto.SHA512, true},
	{x509.ECDSAWithSHA256, asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}, crypto.SHA256, false},
	{x509.ECDSAWithSHA384, asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, crypto.SHA384, false},
	{x509.ECDSAWithSHA512, asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}, crypto.SHA512, false},
}

// ErrUnsupportedSignatureAlgorithm is returned when a response is to be
// signed with, or was signed with, an algorithm this package can't handle.
var ErrUnsupportedSignatureAlgorithm = errors.New("ocsp: unsupported signature algorithm")

type responseASN1 struct {
	Status   asn1.Enumerated
	Response responseBytes `asn1:"explicit,tag:0,optional"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type basicResponse struct {
	TBSResponseData    asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certificates       []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type responseData struct {
	Raw            asn1.RawContent
	Version        int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID asn1.RawValue
	ProducedAt     time.Time `asn1:"generalized"`
	Responses      []singleResponse
	Extensions     []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

type singleResponse struct {
	CertID           CertID
	Good             asn1.Flag        `asn1:"tag:0,optional"`
	Revoked          revokedInfo      `asn1:"tag:1,optional"`
	Unknown          asn1.Flag        `asn1:"tag:2,optional"`
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"generalized,explicit,tag:0,optional"`
	SingleExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type revokedInfo struct {
	RevocationTime time.Time       `asn1:"generalized"`
	Reason         asn1.Enumerated `asn1:"explicit,tag:0,optional"`
}

// SingleResponse is the status of one certificate inside a response.
type SingleResponse struct {
	CertID CertID
	// Status is one of ocsp.Good, ocsp.Revoked or ocsp.Unknown.
	Status           int
	RevokedAt        time.Time
	RevocationReason int
	ThisUpdate       time.Time
	NextUpdate       time.Time
}

// ResponseTemplate describes a successful response to be signed.
type ResponseTemplate struct {
	// ResponderName is the DER encoded Name of the responder. It is used as
	// the ResponderID unless ResponderKeyHash is set.
	ResponderName []byte
	// ResponderKeyHash is the SHA-1 hash of the responder public key.
	ResponderKeyHash []byte

	ProducedAt time.Time
	Responses  []SingleResponse
	Extensions []pkix.Extension

	SignatureAlgorithm x509.SignatureAlgorithm
	Signer             crypto.Signer
	// Certificates are embedded in the response, signer first.
	Certificates []*x509.Certificate
}

// Response is a decoded OCSP response.
type Response struct {
	// Status is the outer response status. Every other field is only set
	// when Status is ocsp.Success.
	Status ocsp.ResponseStatus

	ResponderName    []byte
	ResponderKeyHash []byte
	ProducedAt       time.Time
	Responses        []SingleResponse
	Extensions       []pkix.Extension

	SignatureAlgorithm x509.SignatureAlgorithm
	Signature          []byte
	TBSResponseData    []byte
	Certificates       []*x509.Certificate
}

// Nonce returns the value of the nonce extension, if any.
func (r *Response) Nonce() ([]byte, bool) {
	for _, ext := range r.Extensions {
		if ext.Id.Equal(OIDNonce) {
			return ext.Value, true
		}
	}
	return nil, false
}

// HasExtension reports how many times the extension identified by oid is
// present in the response extensions.
func (r *Response) HasExtension(oid asn1.ObjectIdentifier) int {
	var n int
	for _, ext := range r.Extensions {
		if ext.Id.Equal(oid) {
			n++
		}
	}
	return n
}

// CheckSignatureFrom checks that the response was signed by the key of
// signer.
func (r *Response) CheckSignatureFrom(signer *x509.Certificate) error {
	return signer.CheckSignature(r.SignatureAlgorithm, r.TBSResponseData, r.Signature)
}

// ResponderKeyHash returns the SHA-1 hash of the subjectPublicKey of cert, as
// used by a ResponderID of the byKey form.
func ResponderKeyHash(cert *x509.Certificate) ([]byte, error) {
	bits, err := PublicKeyBits(cert)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(bits) //nolint:gosec
	return sum[:], nil
}

// ErrorResponse returns the DER encoding of an unsuccessful response. Such a
// response carries nothing but its status.
func ErrorResponse(status ocsp.ResponseStatus) ([]byte, error) {
	if status == ocsp.Success {
		return nil, errors.New("ocsp: a successful response must be signed")
	}
	return asn1.Marshal(responseASN1{Status: asn1.Enumerated(status)})
}

// CreateResponse builds and signs a successful response from template.
func CreateResponse(template ResponseTemplate) ([]byte, error) {
	if template.Signer == nil {
		return nil, errors.New("ocsp: a signer is required")
	}
	if len(template.Responses) < 1 {
		return nil, errors.New("ocsp: at least one single response is required")
	}
	alg, err := lookupSignatureAlgorithm(template.SignatureAlgorithm, template.Signer.Public())
	if err != nil {
		return nil, err
	}

	rawResponderID, err := responderID(template.ResponderName, template.ResponderKeyHash)
	if err != nil {
		return nil, err
	}

	tbs := responseData{
		RawResponderID: rawResponderID,
		ProducedAt:     template.ProducedAt.UTC().Truncate(time.Second),
		Responses:      make([]singleResponse, len(template.Responses)),
		Extensions:     template.Extensions,
	}
	for i, res := range template.Responses {
		single, err := marshalableSingle(res)
		if err != nil {
			return nil, err
		}
		tbs.Responses[i] = single
	}

	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("ocsp: failed to marshal response data: %w", err)
	}

	h := alg.hash.New()
	h.Write(tbsDER)
	signature, err := template.Signer.Sign(rand.Reader, h.Sum(nil), alg.hash)
	if err != nil {
		return nil, fmt.Errorf("ocsp: failed to sign response: %w", err)
	}

	basic := basicResponse{
		TBSResponseData:    asn1.RawValue{FullBytes: tbsDER},
		SignatureAlgorithm: alg.identifier(),
		Signature:          asn1.BitString{Bytes: signature, BitLength: 8 * len(signature)},
	}
	for _, cert := range template.Certificates {
		basic.Certificates = append(basic.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}
	basicDER, err := asn1.Marshal(basic)
	if err != nil {
		return nil, fmt.Errorf("ocsp: failed to marshal basic response: %w", err)
	}

	return asn1.Marshal(responseASN1{
		Status: asn1.Enumerated(ocsp.Success),
		Response: responseBytes{
			ResponseType: oidBasicResponse,
			Response:     basicDER,
		},
	})
}

func marshalableSingle(res SingleResponse) (singleResponse, error) {
	if res.CertID.SerialNumber == nil {
		return singleResponse{}, errors.New("ocsp: single response is missing a serial number")
	}
	single := singleResponse{
		CertID:     res.CertID,
		ThisUpdate: res.ThisUpdate.UTC().Truncate(time.Second),
	}
	if !res.NextUpdate.IsZero() {
		single.NextUpdate = res.NextUpdate.UTC().Truncate(time.Second)
	}
	switch res.Status {
	case ocsp.Good:
		single.Good = true
	case ocsp.Revoked:
		single.Revoked = revokedInfo{
			RevocationTime: res.RevokedAt.UTC().Truncate(time.Second),
			Reason:         asn1.Enumerated(res.RevocationReason),
		}
	case ocsp.Unknown:
		single.Unknown = true
	default:
		return singleResponse{}, fmt.Errorf("ocsp: invalid certificate status %d", res.Status)
	}
	return single, nil
}

func responderID(name, keyHash []byte) (asn1.RawValue, error) {
	if len(keyHash) > 0 {
		b, err := asn1.Marshal(keyHash)
		if err != nil {
			return asn1.RawValue{}, err
		}
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true, Bytes: b}, nil
	}
	if len(name) < 1 {
		return asn1.RawValue{}, errors.New("ocsp: a responder name or key hash is required")
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: name}, nil
}

func lookupSignatureAlgorithm(algorithm x509.SignatureAlgorithm, pub crypto.PublicKey) (signatureAlgorithm, error) {
	for _, alg := range signatureAlgorithms {
		if alg.algorithm != algorithm {
			continue
		}
		switch pub.(type) {
		case *rsa.PublicKey:
			if !alg.rsa {
				return signatureAlgorithm{}, fmt.Errorf("%w: %s needs an ECDSA key", ErrUnsupportedSignatureAlgorithm, algorithm)
			}
		case *ecdsa.PublicKey:
			if alg.rsa {
				return signatureAlgorithm{}, fmt.Errorf("%w: %s needs an RSA key", ErrUnsupportedSignatureAlgorithm, algorithm)
			}
		default:
			return signatureAlgorithm{}, fmt.Errorf("%w: unsupported key type %T", ErrUnsupportedSignatureAlgorithm, pub)
		}
		return alg, nil
	}
	return signatureAlgorithm{}, fmt.Errorf("%w: %s", ErrUnsupportedSignatureAlgorithm, algorithm)
}

func (a signatureAlgorithm) identifier() pkix.AlgorithmIdentifier {
	id := pkix.AlgorithmIdentifier{Algorithm: a.oid}
	if a.rsa {
		id.Parameters = asn1.NullRawValue
	}
	return id
}

// ParseResponse parses a DER encoded OCSP response without verifying its
// signature. Every single response is returned, in order.
//
// Unsuccessful responses are not an error, the returned Response only carries
// their Status.
func ParseResponse(der []byte) (*Response, error) {
	var outer responseASN1
	rest, err := asn1.Unmarshal(der, &outer)
	if err != nil {
		return nil, fmt.Errorf("ocsp: failed to parse response: %w", err)
	}
	if len(rest) > 0 {
		return nil, ParseError("ocsp: trailing data in OCSP response")
	}

	res := &Response{Status: ocsp.ResponseStatus(outer.Status)}
	if res.Status != ocsp.Success {
		return res, nil
	}
	if !outer.Response.ResponseType.Equal(oidBasicResponse) {
		return nil, ParseError("ocsp: bad OCSP response type")
	}

	var basic basicResponse
	if rest, err := asn1.Unmarshal(outer.Response.Response, &basic); err != nil {
		return nil, fmt.Errorf("ocsp: failed to parse basic response: %w", err)
	} else if len(rest) > 0 {
		return nil, ParseError("ocsp: trailing data in basic response")
	}

	var tbs responseData
	if rest, err := asn1.Unmarshal(basic.TBSResponseData.FullBytes, &tbs); err != nil {
		return nil, fmt.Errorf("ocsp: failed to parse response data: %w", err)
	} else if len(rest) > 0 {
		return nil, ParseError("ocsp: trailing data in response data")
	}

	res.TBSResponseData = basic.TBSResponseData.FullBytes
	res.Signature = basic.Signature.RightAlign()
	res.ProducedAt = tbs.ProducedAt
	res.Extensions = tbs.Extensions
	for _, alg := range signatureAlgorithms {
		if basic.SignatureAlgorithm.Algorithm.Equal(alg.oid) {
			res.SignatureAlgorithm = alg.algorithm
			break
		}
	}
	if res.SignatureAlgorithm == x509.UnknownSignatureAlgorithm {
		return nil, ErrUnsupportedSignatureAlgorithm
	}

	switch tbs.RawResponderID.Tag {
	case 1:
		res.ResponderName = tbs.RawResponderID.Bytes
	case 2:
		if _, err := asn1.Unmarshal(tbs.RawResponderID.Bytes, &res.ResponderKeyHash); err != nil {
			return nil, fmt.Errorf("ocsp: failed to parse responder key hash: %w", err)
		}
	default:
		return nil, ParseError("ocsp: invalid responder id")
	}

	if len(tbs.Responses) < 1 {
		return nil, ParseError("ocsp: response contains no certificate statuses")
	}
	res.Responses = make([]SingleResponse, len(tbs.Responses))
	for i, single := range tbs.Responses {
		out := SingleResponse{
			CertID:     single.CertID,
			ThisUpdate: single.ThisUpdate,
			NextUpdate: single.NextUpdate,
		}
		switch {
		case bool(single.Good):
			out.Status = ocsp.Good
		case bool(single.Unknown):
			out.Status = ocsp.Unknown
		case !single.Revoked.RevocationTime.IsZero():
			out.Status = ocsp.Revoked
			out.RevokedAt = single.Revoked.RevocationTime
			out.RevocationReason = int(single.Revoked.Reason)
		default:
			return nil, ParseError("ocsp: single response has no certificate status")
		}
		res.Responses[i] = out
	}

	for _, raw := range basic.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("ocsp: failed to parse embedded certificate: %w", err)
		}
		res.Certificates = append(res.Certificates, cert)
	}
	return res, nil
}
