// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package main

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matthewpi/ocspresponder/internal/filestore"
	"github.com/matthewpi/ocspresponder/internal/ocsp"
)

var hashes = map[string]crypto.Hash{
	"sha1":   crypto.SHA1,
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

func parseHash(name string) (crypto.Hash, error) {
	h, ok := hashes[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unsupported hash %q, expected one of sha1, sha256, sha384 or sha512", name)
	}
	return h, nil
}

// newNonce returns 16 random bytes.
func newNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// readCertificates reads every PEM certificate in path.
func readCertificates(path string) ([]*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate in %s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return certs, nil
}

// readCertificateFiles reads the certificates of every path, in order.
func readCertificateFiles(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		c, err := readCertificates(path)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c...)
	}
	return certs, nil
}

type requestFlags struct {
	issuer  string
	certs   []string
	serials []string
	hash    string
	nonce   bool
	out     string
}

func newRequestCmd() *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Build an OCSP request",
		Long: `Build a DER encoded OCSP request about one or more certificates of a
single issuer. Certificates are named by file or by hex serial number.

The request is printed base64 encoded unless --out is set.

Examples:
  ocspresponder request --issuer ca.pem --cert leaf.pem --nonce
  ocspresponder request --issuer ca.pem --serial 0a1b2c --serial 0a1b2d --out req.der`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			der, err := buildRequest(f)
			if err != nil {
				return err
			}
			if f.out != "" {
				return os.WriteFile(f.out, der, 0o644)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(der))
			return err
		},
	}
	cmd.Flags().StringVar(&f.issuer, "issuer", "", "Issuer certificate (PEM)")
	cmd.Flags().StringArrayVar(&f.certs, "cert", nil, "Certificate to ask about (PEM, repeatable)")
	cmd.Flags().StringArrayVar(&f.serials, "serial", nil, "Serial number to ask about (hex, repeatable)")
	cmd.Flags().StringVar(&f.hash, "hash", "sha256", "Hash of the CertIDs (sha1, sha256, sha384, sha512)")
	cmd.Flags().BoolVar(&f.nonce, "nonce", false, "Add a random nonce")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Write the DER request to this file")
	_ = cmd.MarkFlagRequired("issuer")
	return cmd
}

func buildRequest(f requestFlags) ([]byte, error) {
	hash, err := parseHash(f.hash)
	if err != nil {
		return nil, err
	}
	issuers, err := readCertificates(f.issuer)
	if err != nil {
		return nil, err
	}

	var serials []*big.Int
	certs, err := readCertificateFiles(f.certs)
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		serials = append(serials, cert.SerialNumber)
	}
	for _, s := range f.serials {
		serial, err := filestore.ParseSerial(s)
		if err != nil {
			return nil, err
		}
		serials = append(serials, serial)
	}
	if len(serials) == 0 {
		return nil, errors.New("at least one --cert or --serial is required")
	}

	opts := &ocsp.RequestOptions{Hash: hash}
	if f.nonce {
		if opts.Nonce, err = newNonce(); err != nil {
			return nil, err
		}
	}
	return ocsp.CreateRequest(issuers[0], serials, opts)
}
