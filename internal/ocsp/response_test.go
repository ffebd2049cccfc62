// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocsp

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/matthewpi/ocspresponder/internal/testutil"
)

func newTemplate(t *testing.T, ca *testutil.CA, serials ...int64) ResponseTemplate {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	tmpl := ResponseTemplate{
		ResponderName:      ca.Cert.RawSubject,
		ProducedAt:         now,
		SignatureAlgorithm: x509.SHA256WithRSA,
		Signer:             ca.Key,
		Certificates:       []*x509.Certificate{ca.Cert},
	}
	for _, serial := range serials {
		id, err := NewCertID(crypto.SHA1, ca.Cert, big.NewInt(serial))
		require.NoError(t, err)
		tmpl.Responses = append(tmpl.Responses, SingleResponse{
			CertID:     id,
			Status:     ocsp.Good,
			ThisUpdate: now,
			NextUpdate: now.Add(time.Hour),
		})
	}
	return tmpl
}

func TestCreateResponse_RoundTrip(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	tmpl := newTemplate(t, ca, 1, 2, 3)
	tmpl.Responses[1].Status = ocsp.Revoked
	tmpl.Responses[1].RevokedAt = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	tmpl.Responses[1].RevocationReason = ocsp.KeyCompromise
	tmpl.Responses[2].Status = ocsp.Revoked
	tmpl.Responses[2].RevokedAt = time.Unix(0, 0).UTC()
	tmpl.Responses[2].RevocationReason = ocsp.CertificateHold
	tmpl.Extensions = []pkix.Extension{
		{Id: OIDExtendedRevoke, Value: asn1.NullBytes},
		{Id: OIDNonce, Value: []byte{0x04, 0x02, 0xca, 0xfe}},
	}

	der, err := CreateResponse(tmpl)
	require.NoError(t, err)

	res, err := ParseResponse(der)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Success, res.Status)
	assert.Equal(t, ca.Cert.RawSubject, res.ResponderName)
	assert.Empty(t, res.ResponderKeyHash)
	assert.Equal(t, x509.SHA256WithRSA, res.SignatureAlgorithm)
	assert.True(t, res.ProducedAt.Equal(tmpl.ProducedAt))
	require.NoError(t, res.CheckSignatureFrom(ca.Cert))

	type status struct {
		Serial int64
		Status int
		At     time.Time
		Reason int
	}
	var got, want []status
	for _, r := range res.Responses {
		got = append(got, status{r.CertID.SerialNumber.Int64(), r.Status, r.RevokedAt.UTC(), r.RevocationReason})
		assert.True(t, r.ThisUpdate.Equal(tmpl.ProducedAt))
		assert.True(t, r.NextUpdate.Equal(tmpl.ProducedAt.Add(time.Hour)))
	}
	for _, r := range tmpl.Responses {
		want = append(want, status{r.CertID.SerialNumber.Int64(), r.Status, r.RevokedAt, r.RevocationReason})
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("single responses mismatch (-want +got):\n%s", diff)
	}

	nonce, ok := res.Nonce()
	require.True(t, ok)
	assert.Equal(t, []byte{0x04, 0x02, 0xca, 0xfe}, nonce)
	assert.Equal(t, 1, res.HasExtension(OIDExtendedRevoke))
	require.Len(t, res.Certificates, 1)
	assert.True(t, res.Certificates[0].Equal(ca.Cert))
}

func TestCreateResponse_ParsedByXCrypto(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	leaf := ca.Issue(t, 99)

	tmpl := newTemplate(t, ca, 99)
	tmpl.Responses[0].Status = ocsp.Revoked
	tmpl.Responses[0].RevokedAt = time.Date(2023, 5, 4, 3, 2, 1, 0, time.UTC)
	tmpl.Responses[0].RevocationReason = ocsp.Superseded

	der, err := CreateResponse(tmpl)
	require.NoError(t, err)

	res, err := ocsp.ParseResponseForCert(der, leaf, ca.Cert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, res.Status)
	assert.Equal(t, ocsp.Superseded, res.RevocationReason)
	assert.True(t, res.RevokedAt.Equal(tmpl.Responses[0].RevokedAt))
	assert.Equal(t, 0, res.SerialNumber.Cmp(leaf.SerialNumber))
	assert.Equal(t, ca.Cert.RawSubject, res.RawResponderName)
}

func TestCreateResponse_ResponderKeyHash(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	keyHash, err := ResponderKeyHash(ca.Cert)
	require.NoError(t, err)
	assert.Len(t, keyHash, 20)

	tmpl := newTemplate(t, ca, 5)
	tmpl.ResponderName = nil
	tmpl.ResponderKeyHash = keyHash

	der, err := CreateResponse(tmpl)
	require.NoError(t, err)

	res, err := ParseResponse(der)
	require.NoError(t, err)
	assert.Equal(t, keyHash, res.ResponderKeyHash)
	assert.Empty(t, res.ResponderName)

	xres, err := ocsp.ParseResponse(der, ca.Cert)
	require.NoError(t, err)
	assert.Equal(t, keyHash, xres.ResponderKeyHash)
}

func TestCreateResponse_EchoesCertIDVerbatim(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	reqDER, err := CreateRequest(ca.Cert, []*big.Int{big.NewInt(10)}, &RequestOptions{Hash: crypto.SHA384})
	require.NoError(t, err)
	req, err := ParseRequest(reqDER)
	require.NoError(t, err)

	tmpl := newTemplate(t, ca)
	tmpl.Responses = []SingleResponse{{CertID: req.CertIDs[0], Status: ocsp.Unknown, ThisUpdate: tmpl.ProducedAt}}
	der, err := CreateResponse(tmpl)
	require.NoError(t, err)

	res, err := ParseResponse(der)
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, []byte(req.CertIDs[0].Raw), []byte(res.Responses[0].CertID.Raw))
	assert.Equal(t, ocsp.Unknown, res.Responses[0].Status)
	assert.True(t, res.Responses[0].NextUpdate.IsZero())
}

func TestCreateResponse_SignatureAlgorithmMismatch(t *testing.T) {
	ca := testutil.NewECDSACA(t, "EC CA")
	tmpl := ResponseTemplate{
		ResponderName:      ca.Cert.RawSubject,
		ProducedAt:         time.Now(),
		SignatureAlgorithm: x509.SHA256WithRSA,
		Signer:             ca.Key,
	}
	id, err := NewCertID(crypto.SHA256, ca.Cert, big.NewInt(1))
	require.NoError(t, err)
	tmpl.Responses = []SingleResponse{{CertID: id, Status: ocsp.Good, ThisUpdate: time.Now()}}

	_, err = CreateResponse(tmpl)
	assert.ErrorIs(t, err, ErrUnsupportedSignatureAlgorithm)

	tmpl.SignatureAlgorithm = x509.ECDSAWithSHA256
	der, err := CreateResponse(tmpl)
	require.NoError(t, err)
	res, err := ParseResponse(der)
	require.NoError(t, err)
	assert.NoError(t, res.CheckSignatureFrom(ca.Cert))
}

func TestErrorResponse(t *testing.T) {
	for _, status := range []ocsp.ResponseStatus{ocsp.Malformed, ocsp.InternalError, ocsp.TryLater, ocsp.SignatureRequired, ocsp.Unauthorized} {
		t.Run(status.String(), func(t *testing.T) {
			der, err := ErrorResponse(status)
			require.NoError(t, err)

			res, err := ParseResponse(der)
			require.NoError(t, err)
			assert.Equal(t, status, res.Status)
			assert.Empty(t, res.Responses)

			_, err = ocsp.ParseResponse(der, nil)
			var rErr ocsp.ResponseError
			require.ErrorAs(t, err, &rErr)
			assert.Equal(t, status, rErr.Status)
		})
	}

	_, err := ErrorResponse(ocsp.Success)
	assert.Error(t, err)
}

func TestErrorResponse_MatchesXCryptoConstants(t *testing.T) {
	der, err := ErrorResponse(ocsp.InternalError)
	require.NoError(t, err)
	assert.Equal(t, ocsp.InternalErrorErrorResponse, der)

	der, err = ErrorResponse(ocsp.Malformed)
	require.NoError(t, err)
	assert.Equal(t, ocsp.MalformedRequestErrorResponse, der)
}

func TestParseAndVerifyResponse(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	other := testutil.NewCA(t, "Other CA")

	der, err := CreateResponse(newTemplate(t, ca, 1))
	require.NoError(t, err)

	_, err = ParseAndVerifyResponse(der, ca.Cert)
	require.NoError(t, err)

	// Embedded certificate is the signer but doesn't chain to other.
	_, err = ParseAndVerifyResponse(der, other.Cert)
	assert.Error(t, err)

	// Delegated responder.
	delegate := ca.Delegate(t, "Test OCSP Responder")
	tmpl := newTemplate(t, ca, 1)
	tmpl.Signer = delegate.Key
	tmpl.ResponderName = delegate.Cert.RawSubject
	tmpl.Certificates = []*x509.Certificate{delegate.Cert}
	der, err = CreateResponse(tmpl)
	require.NoError(t, err)
	_, err = ParseAndVerifyResponse(der, ca.Cert)
	require.NoError(t, err)

	// No embedded certificates, signed by someone else.
	tmpl = newTemplate(t, ca, 1)
	tmpl.Signer = other.Key
	tmpl.Certificates = nil
	der, err = CreateResponse(tmpl)
	require.NoError(t, err)
	_, err = ParseAndVerifyResponse(der, ca.Cert)
	var vErr *VerifyError
	assert.ErrorAs(t, err, &vErr)

	// Unsuccessful responses surface their status.
	der, err = ErrorResponse(ocsp.Unauthorized)
	require.NoError(t, err)
	_, err = ParseAndVerifyResponse(der, ca.Cert)
	var rErr ResponseError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, ocsp.Unauthorized, rErr.Status)
}
