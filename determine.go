// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// unknownSerialRevokedAt is the revocation time reported for serials the
// repository doesn't know about.
var unknownSerialRevokedAt = time.Unix(0, 0).UTC()

// ErrCompromiseTimeMissing is returned when a repository reports a CA as
// compromised without saying since when.
var ErrCompromiseTimeMissing = errors.New("ocspresponder: compromised CA has no compromise time")

// Determination is the outcome of determining the status of one query.
type Determination struct {
	Status RevocationStatus
	// UnknownSerial is set when Status stands in for a serial the issuer never
	// issued, and the response must carry the extended revoke extension.
	UnknownSerial bool
}

// Determine decides the status of q under issuer. compromise is the
// compromise status of issuer, looked up once for the whole request.
//
// A compromised CA revokes every certificate it issued, regardless of their own
// status. Otherwise known serials are either revoked or good, and unknown
// serials are reported as on hold since the epoch.
func (r *Responder) Determine(ctx context.Context, q CertificateQuery, issuer *x509.Certificate, compromise CaCompromiseStatus) (Determination, error) {
	if compromise.Compromised {
		if compromise.CompromisedAt == nil {
			return Determination{}, ErrCompromiseTimeMissing
		}
		return Determination{Status: RevokedStatus(*compromise.CompromisedAt, ReasonCACompromise)}, nil
	}

	exists, err := r.repository.SerialExists(ctx, q.SerialNumber, issuer)
	if err != nil {
		return Determination{}, fmt.Errorf("ocspresponder: failed to look up serial: %w", err)
	}
	if !exists {
		return Determination{
			Status:        RevokedStatus(unknownSerialRevokedAt, ReasonCertificateHold),
			UnknownSerial: true,
		}, nil
	}

	record, err := r.repository.SerialRevocationStatus(ctx, q.SerialNumber, issuer)
	if err != nil {
		return Determination{}, fmt.Errorf("ocspresponder: failed to look up revocation status: %w", err)
	}
	if record == nil {
		return Determination{Status: GoodStatus()}, nil
	}
	return Determination{Status: RevokedStatus(record.RevokedAt, record.Reason)}, nil
}
