// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/matthewpi/ocspresponder/internal/ocsp"
)

// SignatureAlgorithm is the algorithm every response is signed with.
// sha256WithRSAEncryption is accepted by all RFC 6960 clients.
const SignatureAlgorithm = x509.SHA256WithRSA

// ErrSigningKey is returned when the repository hands out a signing key that
// can't produce SignatureAlgorithm signatures.
var ErrSigningKey = errors.New("ocspresponder: signing key must be an RSA key")

// Assemble builds the response to validated out of the determinations of its
// queries, which must be in query order. nextUpdate applies to every single
// response.
func (r *Responder) Assemble(ctx context.Context, validated *ValidatedRequest, determinations []Determination, nextUpdate time.Time) (*SignedResponse, error) {
	if len(determinations) != len(validated.Queries) {
		return nil, fmt.Errorf("ocspresponder: got %d determinations for %d queries", len(determinations), len(validated.Queries))
	}
	issuer := validated.Issuer
	now := r.now()

	res := &SignedResponse{
		ProducedAt:         now,
		Responses:          make([]SingleResponse, len(determinations)),
		SignatureAlgorithm: SignatureAlgorithm,
	}

	var unknownSerial bool
	for i, d := range determinations {
		res.Responses[i] = SingleResponse{
			Query:      validated.Queries[i],
			Status:     d.Status,
			ThisUpdate: now,
			NextUpdate: nextUpdate,
		}
		unknownSerial = unknownSerial || d.UnknownSerial
	}
	if unknownSerial {
		res.Extensions = append(res.Extensions, pkix.Extension{Id: ocsp.OIDExtendedRevoke, Value: asn1.NullBytes})
	}
	if validated.Nonce != nil {
		res.Extensions = append(res.Extensions, pkix.Extension{Id: ocsp.OIDNonce, Value: validated.Nonce})
	}

	signer, err := r.repository.SigningKey(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("ocspresponder: failed to get signing key: %w", err)
	}
	if signer == nil {
		return nil, errors.New("ocspresponder: repository returned no signing key")
	}
	if _, ok := signer.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w, got %T", ErrSigningKey, signer.Public())
	}
	res.Signer = signer

	res.Chain, err = r.repository.CertificateChain(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("ocspresponder: failed to get certificate chain: %w", err)
	}

	if r.responderIDByKey {
		// The responder is whoever signs, the first certificate of the chain
		// when a delegated responder is used.
		responder := issuer
		if len(res.Chain) > 0 {
			responder = res.Chain[0]
		}
		res.ResponderID.KeyHash, err = ocsp.ResponderKeyHash(responder)
		if err != nil {
			return nil, fmt.Errorf("ocspresponder: failed to hash responder key: %w", err)
		}
	} else {
		res.ResponderID.Name, err = r.repository.ResponderSubject(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("ocspresponder: failed to get responder subject: %w", err)
		}
	}
	return res, nil
}
