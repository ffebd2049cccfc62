// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"context"
	"crypto"
	"crypto/x509"
	"math/big"
	"time"
)

// Repository is the source of truth about certificates, implemented by the
// embedding application. A responder only ever reads from it, possibly from
// many goroutines at once.
//
// Any returned error is treated as an internal fault and answered with
// InternalError. Implementations should honor ctx so a timed out request
// doesn't hang.
type Repository interface {
	// SerialExists reports whether issuer issued a certificate with serial.
	SerialExists(ctx context.Context, serial *big.Int, issuer *x509.Certificate) (bool, error)

	// SerialRevocationStatus returns the revocation record of serial, or nil
	// if the certificate isn't revoked.
	SerialRevocationStatus(ctx context.Context, serial *big.Int, issuer *x509.Certificate) (*RevocationRecord, error)

	// IsCaCompromised reports whether the issuer itself is compromised.
	IsCaCompromised(ctx context.Context, issuer *x509.Certificate) (CaCompromiseStatus, error)

	// SigningKey returns the key signing responses about certificates of
	// issuer, either the issuer key or the key of a delegated responder.
	SigningKey(ctx context.Context, issuer *x509.Certificate) (crypto.Signer, error)

	// CertificateChain returns the certificates embedded into responses about
	// certificates of issuer, the signing certificate first.
	CertificateChain(ctx context.Context, issuer *x509.Certificate) ([]*x509.Certificate, error)

	// ResponderSubject returns the DER encoded subject Name identifying the
	// responder for issuer.
	ResponderSubject(ctx context.Context, issuer *x509.Certificate) ([]byte, error)

	// NextUpdate returns the time at or before which newer status
	// information will be available.
	NextUpdate(ctx context.Context) (time.Time, error)

	// RecognizedIssuers returns every issuer this responder is authoritative
	// for.
	RecognizedIssuers(ctx context.Context) ([]*x509.Certificate, error)
}
