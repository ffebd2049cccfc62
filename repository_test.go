// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"context"
	"crypto"
	"crypto/x509"
	"math/big"
	"sync/atomic"
	"time"
)

// memoryRepository is an in-memory Repository for tests. It must not be
// modified once a Responder uses it, except for the call counters.
type memoryRepository struct {
	issuers []*x509.Certificate

	// serials maps issuer serial numbers (hex) to the serials they issued. A
	// nil record means the certificate is not revoked.
	serials map[string]map[string]*RevocationRecord

	// compromised maps issuer serial numbers (hex) to their compromise status.
	compromised map[string]CaCompromiseStatus

	signer     crypto.Signer
	chain      []*x509.Certificate
	nextUpdate time.Time

	// err, when set, is returned by the method named errOn.
	err   error
	errOn string

	// panicOn names a method that panics.
	panicOn string

	// blockOn names a method that blocks until its context is done.
	blockOn string

	// hangOn names a method that ignores its context and blocks until hang
	// is closed.
	hangOn string
	hang   chan struct{}

	compromiseCalls atomic.Int32
	nextUpdateCalls atomic.Int32
}

var _ Repository = (*memoryRepository)(nil)

func newMemoryRepository(issuer *x509.Certificate, signer crypto.Signer) *memoryRepository {
	return &memoryRepository{
		issuers:     []*x509.Certificate{issuer},
		serials:     map[string]map[string]*RevocationRecord{},
		compromised: map[string]CaCompromiseStatus{},
		signer:      signer,
		chain:       []*x509.Certificate{issuer},
		nextUpdate:  time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

// addIssuer adds another recognized issuer.
func (m *memoryRepository) addIssuer(issuer *x509.Certificate) {
	m.issuers = append(m.issuers, issuer)
}

// issue records serial as issued by issuer, revoked when record is non-nil.
func (m *memoryRepository) issue(issuer *x509.Certificate, serial int64, record *RevocationRecord) {
	key := issuer.SerialNumber.Text(16)
	if m.serials[key] == nil {
		m.serials[key] = map[string]*RevocationRecord{}
	}
	m.serials[key][big.NewInt(serial).Text(16)] = record
}

func (m *memoryRepository) compromise(issuer *x509.Certificate, at *time.Time) {
	m.compromised[issuer.SerialNumber.Text(16)] = CaCompromiseStatus{Compromised: true, CompromisedAt: at}
}

func (m *memoryRepository) enter(ctx context.Context, method string) error {
	if m.panicOn == method {
		panic("memoryRepository: " + method)
	}
	if m.blockOn == method {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.hangOn == method {
		<-m.hang
	}
	if m.errOn == method {
		return m.err
	}
	return nil
}

func (m *memoryRepository) SerialExists(ctx context.Context, serial *big.Int, issuer *x509.Certificate) (bool, error) {
	if err := m.enter(ctx, "SerialExists"); err != nil {
		return false, err
	}
	_, ok := m.serials[issuer.SerialNumber.Text(16)][serial.Text(16)]
	return ok, nil
}

func (m *memoryRepository) SerialRevocationStatus(ctx context.Context, serial *big.Int, issuer *x509.Certificate) (*RevocationRecord, error) {
	if err := m.enter(ctx, "SerialRevocationStatus"); err != nil {
		return nil, err
	}
	return m.serials[issuer.SerialNumber.Text(16)][serial.Text(16)], nil
}

func (m *memoryRepository) IsCaCompromised(ctx context.Context, issuer *x509.Certificate) (CaCompromiseStatus, error) {
	m.compromiseCalls.Add(1)
	if err := m.enter(ctx, "IsCaCompromised"); err != nil {
		return CaCompromiseStatus{}, err
	}
	return m.compromised[issuer.SerialNumber.Text(16)], nil
}

func (m *memoryRepository) SigningKey(ctx context.Context, _ *x509.Certificate) (crypto.Signer, error) {
	if err := m.enter(ctx, "SigningKey"); err != nil {
		return nil, err
	}
	return m.signer, nil
}

func (m *memoryRepository) CertificateChain(ctx context.Context, _ *x509.Certificate) ([]*x509.Certificate, error) {
	if err := m.enter(ctx, "CertificateChain"); err != nil {
		return nil, err
	}
	return m.chain, nil
}

func (m *memoryRepository) ResponderSubject(ctx context.Context, _ *x509.Certificate) ([]byte, error) {
	if err := m.enter(ctx, "ResponderSubject"); err != nil {
		return nil, err
	}
	if len(m.chain) > 0 {
		return m.chain[0].RawSubject, nil
	}
	return m.issuers[0].RawSubject, nil
}

func (m *memoryRepository) NextUpdate(ctx context.Context) (time.Time, error) {
	m.nextUpdateCalls.Add(1)
	if err := m.enter(ctx, "NextUpdate"); err != nil {
		return time.Time{}, err
	}
	return m.nextUpdate, nil
}

func (m *memoryRepository) RecognizedIssuers(ctx context.Context) ([]*x509.Certificate, error) {
	if err := m.enter(ctx, "RecognizedIssuers"); err != nil {
		return nil, err
	}
	return m.issuers, nil
}
