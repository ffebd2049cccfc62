// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

// Package filestore implements an [ocspresponder.Repository] backed by a YAML
// database file and PEM encoded certificates and keys.
//
// A database looks like:
//
//	validity: 1h
//	issuers:
//	  - certificate: ca.pem
//	    signer-certificate: responder.pem
//	    signer-key: responder-key.pem
//	    compromised-at: 2024-01-01T00:00:00Z
//	    certificates:
//	      - serial: "0a1b2c"
//	      - serial: "0a1b2d"
//	        revoked-at: 2024-02-01T00:00:00Z
//	        reason: keyCompromise
//
// Relative paths are resolved against the directory of the database file.
package filestore

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"

	"github.com/matthewpi/ocspresponder"
)

// DefaultValidity is used when a database doesn't set its validity.
const DefaultValidity = time.Hour

// ErrUnknownIssuer is returned when asked about an issuer the store doesn't
// hold.
var ErrUnknownIssuer = errors.New("filestore: unknown issuer")

// ErrNoIssuers is returned when a database names no issuers.
var ErrNoIssuers = errors.New("filestore: database has no issuers")

// ErrSignerUsage is returned when a delegated signer certificate lacks the
// OCSP signing extended key usage.
var ErrSignerUsage = errors.New("filestore: delegated signer certificate is not allowed to sign OCSP responses")

// Options controls options for a [Store].
type Options struct {
	// Logger to use for the [Store] instance.
	Logger *slog.Logger

	// Now returns the current time, time.Now when nil.
	Now func() time.Time
}

// Store is a file backed [ocspresponder.Repository]. Every answer comes from
// the snapshot loaded by the last successful Reload, a failed reload keeps
// serving the previous one.
type Store struct {
	path string
	now  func() time.Time

	snapshot atomic.Pointer[snapshot]
	// reloadMx serialises reloads so an older load never replaces a newer
	// one.
	reloadMx sync.Mutex
	// loaded, when set, is called between loading and swapping a snapshot.
	loaded func()

	logger *slog.Logger

	meter              metric.Meter
	reloadTotalCounter metric.Int64Counter
	reloadErrorCounter metric.Int64Counter
}

var _ ocspresponder.Repository = (*Store)(nil)

// database is the on-disk format of a database file.
type database struct {
	Validity time.Duration `yaml:"validity"`
	Issuers  []issuerEntry `yaml:"issuers"`
}

type issuerEntry struct {
	Certificate       string             `yaml:"certificate"`
	SignerCertificate string             `yaml:"signer-certificate"`
	SignerKey         string             `yaml:"signer-key"`
	CompromisedAt     *time.Time         `yaml:"compromised-at"`
	Certificates      []certificateEntry `yaml:"certificates"`
}

type certificateEntry struct {
	Serial    string     `yaml:"serial"`
	RevokedAt *time.Time `yaml:"revoked-at"`
	Reason    string     `yaml:"reason"`
}

// snapshot is an immutable view of a loaded database.
type snapshot struct {
	validity time.Duration
	issuers  []*x509.Certificate
	// byIssuer is keyed by the DER encoding of the issuer certificate.
	byIssuer map[string]*issuer
	// paths are every file the snapshot was loaded from.
	paths []string
}

type issuer struct {
	cert          *x509.Certificate
	signer        crypto.Signer
	chain         []*x509.Certificate
	compromisedAt *time.Time
	// serials is keyed by the lower case hexadecimal serial number. A nil
	// record means the certificate is not revoked.
	serials map[string]*ocspresponder.RevocationRecord
}

// Open loads the database at path.
func Open(ctx context.Context, path string, options Options) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to resolve database path: %w", err)
	}
	s := &Store{
		path:   abs,
		now:    options.Now,
		logger: options.Logger,
		meter:  otel.Meter("github.com/matthewpi/ocspresponder/internal/filestore"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.reloadTotalCounter, err = s.meter.Int64Counter("filestore.reload.total")
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to create otel meter: %w", err)
	}
	s.reloadErrorCounter, err = s.meter.Int64Counter("filestore.reload.errors")
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to create otel meter: %w", err)
	}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the absolute path of the database file.
func (s *Store) Path() string {
	return s.path
}

// Paths returns the database file and every file it references.
func (s *Store) Paths() []string {
	return s.snapshot.Load().paths
}

// Reload loads the database again, atomically replacing the served data when
// successful. Concurrent calls run one after another.
func (s *Store) Reload(ctx context.Context) error {
	s.reloadMx.Lock()
	defer s.reloadMx.Unlock()

	s.reloadTotalCounter.Add(ctx, 1)
	snap, err := load(s.path)
	if err != nil {
		s.reloadErrorCounter.Add(ctx, 1)
		return err
	}
	if s.loaded != nil {
		s.loaded()
	}

	fields := []slog.Attr{
		slog.String("path", s.path),
		slog.Int("issuers", len(snap.issuers)),
		slog.Duration("validity", snap.validity),
	}
	if old := s.snapshot.Swap(snap); old == nil {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "database loaded", fields...)
	} else {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "database reloaded", fields...)
	}

	now := s.now()
	for _, iss := range snap.issuers {
		if now.After(iss.NotAfter) {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "issuer certificate has expired", slog.String("subject", iss.Subject.String()))
		}
	}
	return nil
}

func load(path string) (*snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to read database: %w", err)
	}
	var db database
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&db); err != nil {
		return nil, fmt.Errorf("filestore: failed to parse database: %w", err)
	}
	if len(db.Issuers) < 1 {
		return nil, ErrNoIssuers
	}

	snap := &snapshot{
		validity: db.Validity,
		byIssuer: make(map[string]*issuer, len(db.Issuers)),
		paths:    []string{path},
	}
	if snap.validity == 0 {
		snap.validity = DefaultValidity
	}
	if snap.validity < 0 {
		return nil, fmt.Errorf("filestore: validity must be positive, got %s", snap.validity)
	}

	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	for i, entry := range db.Issuers {
		iss, paths, err := loadIssuer(entry, resolve)
		if err != nil {
			return nil, fmt.Errorf("filestore: issuer %d: %w", i, err)
		}
		key := string(iss.cert.Raw)
		if _, ok := snap.byIssuer[key]; ok {
			return nil, fmt.Errorf("filestore: issuer %d: duplicate issuer %q", i, iss.cert.Subject)
		}
		snap.byIssuer[key] = iss
		snap.issuers = append(snap.issuers, iss.cert)
		snap.paths = append(snap.paths, paths...)
	}
	return snap, nil
}

func loadIssuer(entry issuerEntry, resolve func(string) string) (*issuer, []string, error) {
	if entry.Certificate == "" {
		return nil, nil, errors.New("certificate is required")
	}
	if entry.SignerKey == "" {
		return nil, nil, errors.New("signer-key is required")
	}
	certPath := resolve(entry.Certificate)
	signerCertPath := resolve(entry.SignerCertificate)
	if signerCertPath == "" {
		signerCertPath = certPath
	}
	signerKeyPath := resolve(entry.SignerKey)

	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, nil, err
	}

	keyPair, err := tls.LoadX509KeyPair(signerCertPath, signerKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load signer: %w", err)
	}
	signer, ok := keyPair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("signer key of type %T can't sign", keyPair.PrivateKey)
	}
	chain := make([]*x509.Certificate, len(keyPair.Certificate))
	for i, der := range keyPair.Certificate {
		chain[i], err = x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse signer certificate: %w", err)
		}
	}
	if !chain[0].Equal(cert) {
		if err := chain[0].CheckSignatureFrom(cert); err != nil {
			return nil, nil, fmt.Errorf("signer certificate was not issued by the issuer: %w", err)
		}
		// Delegated signers need id-kp-OCSPSigning (RFC 6960 section 4.2.2.2).
		if !slices.Contains(chain[0].ExtKeyUsage, x509.ExtKeyUsageOCSPSigning) {
			return nil, nil, ErrSignerUsage
		}
	}

	iss := &issuer{
		cert:          cert,
		signer:        signer,
		chain:         chain,
		compromisedAt: entry.CompromisedAt,
		serials:       make(map[string]*ocspresponder.RevocationRecord, len(entry.Certificates)),
	}
	for _, c := range entry.Certificates {
		serial, err := ParseSerial(c.Serial)
		if err != nil {
			return nil, nil, err
		}
		key := serial.Text(16)
		if _, ok := iss.serials[key]; ok {
			return nil, nil, fmt.Errorf("duplicate serial %q", c.Serial)
		}
		if c.RevokedAt == nil {
			if c.Reason != "" {
				return nil, nil, fmt.Errorf("serial %q has a reason but no revoked-at", c.Serial)
			}
			iss.serials[key] = nil
			continue
		}
		reason, err := ocspresponder.ParseRevocationReason(c.Reason)
		if err != nil {
			return nil, nil, fmt.Errorf("serial %q: %w", c.Serial, err)
		}
		iss.serials[key] = &ocspresponder.RevocationRecord{RevokedAt: c.RevokedAt.UTC(), Reason: reason}
	}

	paths := []string{certPath, signerKeyPath}
	if signerCertPath != certPath {
		paths = append(paths, signerCertPath)
	}
	return iss, paths, nil
}

// loadCertificate reads the first certificate of a PEM file.
func loadCertificate(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in %s", path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %s: %w", path, err)
		}
		return cert, nil
	}
}

// ParseSerial parses a hexadecimal serial number. Colons, as printed by
// openssl, and a 0x prefix are allowed.
func ParseSerial(s string) (*big.Int, error) {
	clean := strings.TrimPrefix(strings.ToLower(strings.ReplaceAll(s, ":", "")), "0x")
	serial, ok := new(big.Int).SetString(clean, 16)
	if !ok || clean == "" {
		return nil, fmt.Errorf("filestore: invalid serial number %q", s)
	}
	return serial, nil
}

func (s *Store) issuer(cert *x509.Certificate) (*issuer, error) {
	if cert == nil {
		return nil, ErrUnknownIssuer
	}
	iss, ok := s.snapshot.Load().byIssuer[string(cert.Raw)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownIssuer, cert.Subject)
	}
	return iss, nil
}

func (s *Store) SerialExists(_ context.Context, serial *big.Int, cert *x509.Certificate) (bool, error) {
	iss, err := s.issuer(cert)
	if err != nil {
		return false, err
	}
	_, ok := iss.serials[serial.Text(16)]
	return ok, nil
}

func (s *Store) SerialRevocationStatus(_ context.Context, serial *big.Int, cert *x509.Certificate) (*ocspresponder.RevocationRecord, error) {
	iss, err := s.issuer(cert)
	if err != nil {
		return nil, err
	}
	record := iss.serials[serial.Text(16)]
	if record == nil {
		return nil, nil
	}
	r := *record
	return &r, nil
}

func (s *Store) IsCaCompromised(_ context.Context, cert *x509.Certificate) (ocspresponder.CaCompromiseStatus, error) {
	iss, err := s.issuer(cert)
	if err != nil {
		return ocspresponder.CaCompromiseStatus{}, err
	}
	if iss.compromisedAt == nil {
		return ocspresponder.CaCompromiseStatus{}, nil
	}
	at := iss.compromisedAt.UTC()
	return ocspresponder.CaCompromiseStatus{Compromised: true, CompromisedAt: &at}, nil
}

func (s *Store) SigningKey(_ context.Context, cert *x509.Certificate) (crypto.Signer, error) {
	iss, err := s.issuer(cert)
	if err != nil {
		return nil, err
	}
	return iss.signer, nil
}

func (s *Store) CertificateChain(_ context.Context, cert *x509.Certificate) ([]*x509.Certificate, error) {
	iss, err := s.issuer(cert)
	if err != nil {
		return nil, err
	}
	return iss.chain, nil
}

func (s *Store) ResponderSubject(_ context.Context, cert *x509.Certificate) ([]byte, error) {
	iss, err := s.issuer(cert)
	if err != nil {
		return nil, err
	}
	return iss.chain[0].RawSubject, nil
}

// NextUpdate returns the current time plus the validity of the database.
func (s *Store) NextUpdate(_ context.Context) (time.Time, error) {
	return s.now().Add(s.snapshot.Load().validity), nil
}

func (s *Store) RecognizedIssuers(_ context.Context) ([]*x509.Certificate, error) {
	return s.snapshot.Load().issuers, nil
}
