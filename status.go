// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RevocationReason is a CRLReason code (RFC 5280 section 5.3.1).
type RevocationReason int

// The value 7 is not used by RFC 5280 and is not a valid RevocationReason.
const (
	ReasonUnspecified          RevocationReason = ocsp.Unspecified
	ReasonKeyCompromise        RevocationReason = ocsp.KeyCompromise
	ReasonCACompromise         RevocationReason = ocsp.CACompromise
	ReasonAffiliationChanged   RevocationReason = ocsp.AffiliationChanged
	ReasonSuperseded           RevocationReason = ocsp.Superseded
	ReasonCessationOfOperation RevocationReason = ocsp.CessationOfOperation
	ReasonCertificateHold      RevocationReason = ocsp.CertificateHold
	ReasonRemoveFromCRL        RevocationReason = ocsp.RemoveFromCRL
	ReasonPrivilegeWithdrawn   RevocationReason = ocsp.PrivilegeWithdrawn
	ReasonAACompromise         RevocationReason = ocsp.AACompromise
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

// Valid reports whether r is one of the defined reason codes.
func (r RevocationReason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RevocationReason(%d)", int(r))
}

// ParseRevocationReason parses the RFC 5280 name of a reason code, ignoring
// case. An empty string is ReasonUnspecified.
func ParseRevocationReason(s string) (RevocationReason, error) {
	if s == "" {
		return ReasonUnspecified, nil
	}
	for r, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("ocspresponder: unknown revocation reason %q", s)
}

// CertStatus is the status of a single certificate.
type CertStatus int

const (
	Good    CertStatus = ocsp.Good
	Revoked CertStatus = ocsp.Revoked
	Unknown CertStatus = ocsp.Unknown
)

func (s CertStatus) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("CertStatus(%d)", int(s))
	}
}

// RevocationStatus is the definitive status of one certificate. RevokedAt and
// Reason are only meaningful when Status is Revoked.
type RevocationStatus struct {
	Status    CertStatus
	RevokedAt time.Time
	Reason    RevocationReason
}

// GoodStatus returns a Good RevocationStatus.
func GoodStatus() RevocationStatus {
	return RevocationStatus{Status: Good}
}

// RevokedStatus returns a Revoked RevocationStatus.
func RevokedStatus(at time.Time, reason RevocationReason) RevocationStatus {
	return RevocationStatus{Status: Revoked, RevokedAt: at, Reason: reason}
}

// UnknownStatus returns an Unknown RevocationStatus.
func UnknownStatus() RevocationStatus {
	return RevocationStatus{Status: Unknown}
}

// RevocationRecord is the revocation data a repository stores for a revoked
// serial.
type RevocationRecord struct {
	RevokedAt time.Time
	Reason    RevocationReason
}

// CaCompromiseStatus reports whether an issuing CA is compromised, and since
// when.
type CaCompromiseStatus struct {
	Compromised   bool
	CompromisedAt *time.Time
}

// ResponseStatus is the outer status of an OCSP response (RFC 6960 section
// 4.2.1). The value 4 is not used.
type ResponseStatus int

const (
	Successful        ResponseStatus = ResponseStatus(ocsp.Success)
	MalformedRequest  ResponseStatus = ResponseStatus(ocsp.Malformed)
	InternalError     ResponseStatus = ResponseStatus(ocsp.InternalError)
	TryLater          ResponseStatus = ResponseStatus(ocsp.TryLater)
	SignatureRequired ResponseStatus = ResponseStatus(ocsp.SignatureRequired)
	Unauthorized      ResponseStatus = ResponseStatus(ocsp.Unauthorized)
)

func (s ResponseStatus) String() string {
	switch s {
	case Successful:
		return "successful"
	case MalformedRequest:
		return "malformedRequest"
	case InternalError:
		return "internalError"
	case TryLater:
		return "tryLater"
	case SignatureRequired:
		return "sigRequired"
	case Unauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("ResponseStatus(%d)", int(s))
	}
}
