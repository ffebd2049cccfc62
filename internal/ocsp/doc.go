// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

// Package ocsp implements the DER encoding and decoding of OCSP (Online
// Certificate Status Protocol) requests and responses, covering the parts of
// RFC 6960 that golang.org/x/crypto/ocsp does not: requests and responses
// carrying more than one certificate, request nonces and response extensions.
//
// It also contains a small client used to query OCSP responders.
//
// For details on the protocol, visit https://www.rfc-editor.org/rfc/rfc6960
package ocsp
