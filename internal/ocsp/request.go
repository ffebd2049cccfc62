// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocsp

import (
	"bytes"
	"crypto"
	_ "crypto/sha1" // register SHA-1 for CertID hashes
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

var (
	// OIDNonce identifies the nonce extension (RFC 6960 section 4.4.1).
	OIDNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
	// OIDExtendedRevoke identifies the extended revoke extension (RFC 6960
	// section 4.4.8).
	OIDExtendedRevoke = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 9}
)

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// ErrUnsupportedHash is returned when a CertID uses a hash algorithm this
// package does not know about.
var ErrUnsupportedHash = errors.New("ocsp: unsupported hash algorithm")

// ParseError results from an invalid OCSP request or response.
type ParseError string

func (p ParseError) Error() string {
	return string(p)
}

// CertID identifies a certificate by its issuer and serial number.
type CertID struct {
	// Raw holds the DER encoding of the CertID when it was parsed. It is
	// re-used verbatim when the CertID is marshaled again.
	Raw           asn1.RawContent
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

// Hash returns the hash function used by the CertID, or zero if the
// algorithm is unknown.
func (id CertID) Hash() crypto.Hash {
	for h, oid := range hashOIDs {
		if id.HashAlgorithm.Algorithm.Equal(oid) {
			return h
		}
	}
	return 0
}

// MatchesIssuer reports whether the CertID names issuer as the issuing
// certificate, by comparing both the name and the public key hashes.
func (id CertID) MatchesIssuer(issuer *x509.Certificate) bool {
	if issuer == nil {
		return false
	}
	nameHash, keyHash, err := issuerHashes(id.Hash(), issuer)
	if err != nil {
		return false
	}
	return bytes.Equal(nameHash, id.NameHash) && bytes.Equal(keyHash, id.IssuerKeyHash)
}

// NewCertID builds a CertID for serial issued by issuer, using hash to
// digest the issuer name and key.
func NewCertID(hash crypto.Hash, issuer *x509.Certificate, serial *big.Int) (CertID, error) {
	if hash == 0 {
		hash = crypto.SHA256
	}
	algorithm, ok := HashOID(hash)
	if !ok {
		return CertID{}, ErrUnsupportedHash
	}
	nameHash, keyHash, err := issuerHashes(hash, issuer)
	if err != nil {
		return CertID{}, err
	}
	return CertID{
		HashAlgorithm: algorithm,
		NameHash:      nameHash,
		IssuerKeyHash: keyHash,
		SerialNumber:  new(big.Int).Set(serial),
	}, nil
}

// HashOID returns the AlgorithmIdentifier used in CertIDs for hash.
func HashOID(hash crypto.Hash) (pkix.AlgorithmIdentifier, bool) {
	oid, ok := hashOIDs[hash]
	if !ok {
		return pkix.AlgorithmIdentifier{}, false
	}
	return pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}, true
}

// ParseCertID parses a DER encoded CertID.
func ParseCertID(der []byte) (CertID, error) {
	var id CertID
	rest, err := asn1.Unmarshal(der, &id)
	if err != nil {
		return CertID{}, fmt.Errorf("ocsp: failed to parse CertID: %w", err)
	}
	if len(rest) > 0 {
		return CertID{}, ParseError("ocsp: trailing data after CertID")
	}
	return id, nil
}

// issuerHashes digests the subject and the subject public key of issuer.
func issuerHashes(hash crypto.Hash, issuer *x509.Certificate) (nameHash, keyHash []byte, err error) {
	if hash == 0 || !hash.Available() {
		return nil, nil, ErrUnsupportedHash
	}
	keyBits, err := PublicKeyBits(issuer)
	if err != nil {
		return nil, nil, err
	}

	h := hash.New()
	h.Write(issuer.RawSubject)
	nameHash = h.Sum(nil)

	h.Reset()
	h.Write(keyBits)
	keyHash = h.Sum(nil)
	return nameHash, keyHash, nil
}

// PublicKeyBits returns the contents of the subjectPublicKey BIT STRING of
// cert, the input of issuer key hashes and responder key hashes.
func PublicKeyBits(cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	rest, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki)
	if err != nil {
		return nil, fmt.Errorf("ocsp: failed to parse subject public key info: %w", err)
	}
	if len(rest) > 0 {
		return nil, ParseError("ocsp: trailing data after subject public key info")
	}
	return spki.PublicKey.RightAlign(), nil
}

type ocspRequest struct {
	TBSRequest tbsRequest
	Signature  asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type tbsRequest struct {
	Version       int           `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName asn1.RawValue `asn1:"explicit,tag:1,optional"`
	RequestList   []singleRequest
	Extensions    []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type singleRequest struct {
	ReqCert    CertID
	Extensions []pkix.Extension `asn1:"explicit,tag:0,optional"`
}

// Request is a decoded OCSP request.
type Request struct {
	// CertIDs are the certificates asked about, in request order.
	CertIDs []CertID
	// Extensions are the requestExtensions of the request.
	Extensions []pkix.Extension
	// Signed reports whether the request carried an optionalSignature. The
	// signature itself is not verified.
	Signed bool
}

// Nonce returns the value of the nonce extension and whether the request
// carried one. The value is returned exactly as it was found in the
// extension.
func (r *Request) Nonce() ([]byte, bool) {
	for _, ext := range r.Extensions {
		if ext.Id.Equal(OIDNonce) {
			if ext.Value == nil {
				return []byte{}, true
			}
			return ext.Value, true
		}
	}
	return nil, false
}

// ParseRequest parses a DER encoded OCSP request. Unlike
// golang.org/x/crypto/ocsp.ParseRequest every entry of the request list is
// returned, along with the request extensions.
func ParseRequest(der []byte) (*Request, error) {
	var req ocspRequest
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return nil, fmt.Errorf("ocsp: failed to parse request: %w", err)
	}
	if len(rest) > 0 {
		return nil, ParseError("ocsp: trailing data in OCSP request")
	}

	r := &Request{
		CertIDs:    make([]CertID, len(req.TBSRequest.RequestList)),
		Extensions: req.TBSRequest.Extensions,
		Signed:     len(req.Signature.FullBytes) > 0,
	}
	for i, single := range req.TBSRequest.RequestList {
		if single.ReqCert.SerialNumber == nil {
			return nil, ParseError("ocsp: request entry is missing a serial number")
		}
		r.CertIDs[i] = single.ReqCert
	}
	return r, nil
}

// RequestOptions contains options for building an OCSP request.
type RequestOptions struct {
	// Hash contains the hash function that should be used when constructing
	// the CertIDs. If zero, SHA-256 will be used.
	Hash crypto.Hash

	// Nonce, when non-nil, is sent as the value of a nonce extension.
	Nonce []byte
}

// CreateRequest returns a DER encoded OCSP request asking about every serial
// in serials, all issued by issuer.
func CreateRequest(issuer *x509.Certificate, serials []*big.Int, opts *RequestOptions) ([]byte, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	if len(serials) < 1 {
		return nil, errors.New("ocsp: at least one serial is required")
	}

	ids := make([]CertID, len(serials))
	for i, serial := range serials {
		id, err := NewCertID(opts.Hash, issuer, serial)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return CreateRequestFromCertIDs(ids, opts.Nonce)
}

// CreateRequestFromCertIDs returns a DER encoded OCSP request asking about
// ids, in order. A non-nil nonce is sent as the value of a nonce extension.
//
// The CertIDs don't need to share an issuer.
func CreateRequestFromCertIDs(ids []CertID, nonce []byte) ([]byte, error) {
	req := ocspRequest{
		TBSRequest: tbsRequest{
			RequestList: make([]singleRequest, len(ids)),
		},
	}
	for i, id := range ids {
		req.TBSRequest.RequestList[i] = singleRequest{ReqCert: id}
	}
	if nonce != nil {
		req.TBSRequest.Extensions = []pkix.Extension{{Id: OIDNonce, Value: nonce}}
	}
	return asn1.Marshal(req)
}

// CreateRequestForCertificates is like CreateRequest but takes the
// certificates themselves.
func CreateRequestForCertificates(issuer *x509.Certificate, certs []*x509.Certificate, opts *RequestOptions) ([]byte, error) {
	serials := make([]*big.Int, len(certs))
	for i, cert := range certs {
		serials[i] = cert.SerialNumber
	}
	return CreateRequest(issuer, serials, opts)
}
