// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// MaxRequestSize is the largest request body read by ServeHTTP.
const MaxRequestSize = 1024 * 1024

var _ http.Handler = (*Responder)(nil)

// ServeHTTP serves OCSP over HTTP (RFC 6960 appendix A). The HTTP status is
// always 200, the outcome is the status inside the OCSP response.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	mediaType := req.Header.Get("Content-Type")
	if mediaType == "" && req.Method == http.MethodGet {
		// GET requests carry their payload in the URL, nothing to describe.
		mediaType = RequestMediaType
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(req.Body, MaxRequestSize+1))
		if err != nil {
			r.logger.LogAttrs(ctx, slog.LevelWarn, "failed to read request body", slog.Any("err", err))
			r.writeResponse(w, req, r.errorResponse(ctx, MalformedRequest))
			return
		}
		if len(body) > MaxRequestSize {
			r.logger.LogAttrs(ctx, slog.LevelWarn, "request body is too large", slog.Int("limit", MaxRequestSize))
			r.writeResponse(w, req, r.errorResponse(ctx, MalformedRequest))
			return
		}
	}

	res := r.Respond(ctx, ProtocolRequest{
		Method:    req.Method,
		URI:       req.URL.RequestURI(),
		MediaType: mediaType,
		Body:      body,
	})
	r.writeResponse(w, req, res)
}

func (r *Responder) writeResponse(w http.ResponseWriter, req *http.Request, res ProtocolResponse) {
	h := w.Header()
	h.Set("Content-Type", ResponseMediaType)
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))

	// Successful GET responses may be cached until the next update
	// (RFC 5019 section 6).
	if req.Method == http.MethodGet && res.Status == Successful && !res.NextUpdate.IsZero() {
		maxAge := int(res.NextUpdate.Sub(res.ThisUpdate) / time.Second)
		if maxAge > 0 {
			sum := sha256.Sum256(res.Body)
			h.Set("Cache-Control", "max-age="+strconv.Itoa(maxAge)+", public, no-transform, must-revalidate")
			h.Set("Last-Modified", res.ThisUpdate.UTC().Format(http.TimeFormat))
			h.Set("Expires", res.NextUpdate.UTC().Format(http.TimeFormat))
			h.Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
		}
	}

	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(res.Body); err != nil {
		r.logger.LogAttrs(req.Context(), slog.LevelDebug, "failed to write response", slog.Any("err", err))
	}
}
