// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/matthewpi/ocspresponder"
	"github.com/matthewpi/ocspresponder/internal/ocsp"
)

type queryFlags struct {
	url     string
	issuer  string
	certs   []string
	hash    string
	nonce   bool
	get     bool
	retries uint64
	timeout time.Duration
}

func newQueryCmd() *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Ask an OCSP responder about certificates",
		Long: `Ask an OCSP responder about the status of one or more certificates of a
single issuer, verify the signed response and print every status.

Without --issuer the issuer is downloaded from the caIssuers URL of the first
certificate. Without --url the first OCSP server named by the certificate is
used.

Examples:
  ocspresponder query --cert leaf.pem
  ocspresponder query --url http://localhost:8080 --issuer ca.pem --cert a.pem --cert b.pem --get`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if f.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.timeout)
				defer cancel()
			}
			res, err := query(ctx, f)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "URL of the OCSP responder")
	cmd.Flags().StringVar(&f.issuer, "issuer", "", "Issuer certificate (PEM)")
	cmd.Flags().StringArrayVar(&f.certs, "cert", nil, "Certificate to ask about (PEM, repeatable)")
	cmd.Flags().StringVar(&f.hash, "hash", "sha256", "Hash of the CertIDs (sha1, sha256, sha384, sha512)")
	cmd.Flags().BoolVar(&f.nonce, "nonce", true, "Send a random nonce and require it to be echoed")
	cmd.Flags().BoolVar(&f.get, "get", false, "Send the request with GET instead of POST")
	cmd.Flags().Uint64Var(&f.retries, "retries", 3, "Number of retries of failed round trips")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Overall timeout")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

func query(ctx context.Context, f queryFlags) (*ocsp.QueryResponse, error) {
	hash, err := parseHash(f.hash)
	if err != nil {
		return nil, err
	}
	certs, err := readCertificateFiles(f.certs)
	if err != nil {
		return nil, err
	}

	var issuer *x509.Certificate
	if f.issuer != "" {
		issuers, err := readCertificates(f.issuer)
		if err != nil {
			return nil, err
		}
		issuer = issuers[0]
	} else {
		issuer, err = ocsp.FetchIssuer(ctx, http.DefaultClient, certs[0])
		if err != nil {
			return nil, err
		}
	}

	serverURL := f.url
	if serverURL == "" {
		if len(certs[0].OCSPServer) == 0 {
			return nil, errors.New("certificate names no OCSP server, use --url")
		}
		serverURL = certs[0].OCSPServer[0]
	}

	var nonce []byte
	if f.nonce {
		if nonce, err = newNonce(); err != nil {
			return nil, err
		}
	}

	return ocsp.Query(ctx, ocsp.QueryOpts{
		Certificates: certs,
		Issuer:       issuer,
		ServerURL:    serverURL,
		Hash:         hash,
		Nonce:        nonce,
		UseGET:       f.get,
		MaxRetries:   f.retries,
	})
}

func printResponse(w io.Writer, res *ocsp.QueryResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "produced at:\t%s\n", res.ProducedAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(tw, "SERIAL\tSTATUS\tREVOKED AT\tREASON\tNEXT UPDATE")
	for _, single := range res.Responses {
		revokedAt, reason := "-", "-"
		if single.Status == xocsp.Revoked {
			revokedAt = single.RevokedAt.UTC().Format(time.RFC3339)
			reason = ocspresponder.RevocationReason(single.RevocationReason).String()
		}
		nextUpdate := "-"
		if !single.NextUpdate.IsZero() {
			nextUpdate = single.NextUpdate.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%x\t%s\t%s\t%s\t%s\n",
			single.CertID.SerialNumber,
			ocspresponder.CertStatus(single.Status),
			revokedAt,
			reason,
			nextUpdate,
		)
	}
	return tw.Flush()
}
