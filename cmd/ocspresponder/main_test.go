// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package main

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewpi/ocspresponder"
	"github.com/matthewpi/ocspresponder/internal/filestore"
	"github.com/matthewpi/ocspresponder/internal/ocsp"
	"github.com/matthewpi/ocspresponder/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	version = "v1.2.3"
	t.Cleanup(func() { version = "" })

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3\n", out)
}

func TestRequest(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t, "Test CA")
	issuerPath, _ := ca.WritePEM(t, dir, "ca")
	leafPath := filepath.Join(dir, "leaf.pem")
	testutil.WriteCertPEM(t, leafPath, ca.Issue(t, 42))

	out, err := run(t, "request", "--issuer", issuerPath, "--cert", leafPath, "--serial", "0a", "--hash", "sha1", "--nonce")
	require.NoError(t, err)

	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	req, err := ocsp.ParseRequest(der)
	require.NoError(t, err)
	require.Len(t, req.CertIDs, 2)
	assert.EqualValues(t, 42, req.CertIDs[0].SerialNumber.Int64())
	assert.EqualValues(t, 10, req.CertIDs[1].SerialNumber.Int64())
	assert.Equal(t, crypto.SHA1, req.CertIDs[0].Hash())
	assert.True(t, req.CertIDs[0].MatchesIssuer(ca.Cert))
	nonce, ok := req.Nonce()
	assert.True(t, ok)
	assert.Len(t, nonce, 16)

	outPath := filepath.Join(dir, "req.der")
	_, err = run(t, "request", "--issuer", issuerPath, "--serial", "01", "--out", outPath)
	require.NoError(t, err)
	b, err := os.ReadFile(outPath)
	require.NoError(t, err)
	req, err = ocsp.ParseRequest(b)
	require.NoError(t, err)
	require.Len(t, req.CertIDs, 1)
	_, ok = req.Nonce()
	assert.False(t, ok)
}

func TestRequest_Invalid(t *testing.T) {
	dir := t.TempDir()
	issuerPath, _ := testutil.NewCA(t, "Test CA").WritePEM(t, dir, "ca")

	tests := []struct {
		name string
		args []string
	}{
		{"missing issuer", []string{"request", "--serial", "01"}},
		{"nothing to ask", []string{"request", "--issuer", issuerPath}},
		{"bad serial", []string{"request", "--issuer", issuerPath, "--serial", "zz"}},
		{"bad hash", []string{"request", "--issuer", issuerPath, "--serial", "01", "--hash", "md5"}},
		{"missing issuer file", []string{"request", "--issuer", filepath.Join(dir, "nope.pem"), "--serial", "01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestQuery(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t, "Test CA")
	issuerPath, _ := ca.WritePEM(t, dir, "ca")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.yaml"), []byte(`
issuers:
  - certificate: ca.pem
    signer-key: ca-key.pem
    certificates:
      - serial: "0a"
      - serial: "0b"
        revoked-at: 2024-02-01T00:00:00Z
        reason: keyCompromise
`), 0o600))
	goodPath := filepath.Join(dir, "good.pem")
	testutil.WriteCertPEM(t, goodPath, ca.Issue(t, 10))
	revokedPath := filepath.Join(dir, "revoked.pem")
	testutil.WriteCertPEM(t, revokedPath, ca.Issue(t, 11))

	store, err := filestore.Open(context.Background(), filepath.Join(dir, "db.yaml"), filestore.Options{})
	require.NoError(t, err)
	responder, err := ocspresponder.New(store, ocspresponder.Options{})
	require.NoError(t, err)
	srv := httptest.NewServer(responder)
	t.Cleanup(srv.Close)

	for _, method := range []string{"--get=false", "--get=true"} {
		t.Run(method, func(t *testing.T) {
			out, err := run(t, "query", "--url", srv.URL, "--issuer", issuerPath, "--cert", goodPath, "--cert", revokedPath, method)
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 4)
			assert.Contains(t, lines[1], "SERIAL")
			assert.Regexp(t, `^a\s+good\s+-\s+-`, lines[2])
			assert.Regexp(t, `^b\s+revoked\s+2024-02-01T00:00:00Z\s+keyCompromise`, lines[3])
		})
	}
}

func TestQuery_NoServer(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t, "Test CA")
	issuerPath, _ := ca.WritePEM(t, dir, "ca")
	leafPath := filepath.Join(dir, "leaf.pem")
	testutil.WriteCertPEM(t, leafPath, ca.Issue(t, 10))

	_, err := run(t, "query", "--issuer", issuerPath, "--cert", leafPath)
	assert.ErrorContains(t, err, "no OCSP server")
}
