// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package ocspresponder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/semgroup"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	xocsp "golang.org/x/crypto/ocsp"
)

// DefaultConcurrency is the number of queries of a single request whose
// status is determined at the same time.
const DefaultConcurrency = 8

// Options controls options for a [Responder]. Changes to Options are ignored
// after being provided to a [Responder].
type Options struct {
	// Logger to use for the [Responder] instance.
	Logger *slog.Logger

	// Codec encodes and decodes the OCSP messages, DERCodec when nil.
	Codec Codec

	// Concurrency bounds how many queries of a request are determined at
	// once, DefaultConcurrency when zero.
	Concurrency int

	// Timeout, when positive, bounds the time spent on a single request.
	// Running out of time is answered with InternalError.
	Timeout time.Duration

	// ResponderIDByKey identifies the responder by the hash of its public key
	// instead of by its subject name.
	ResponderIDByKey bool

	// Now returns the current time, time.Now when nil.
	Now func() time.Time
}

// Responder answers OCSP requests with the help of a [Repository].
//
// A Responder holds no per-request state and is safe for concurrent use.
type Responder struct {
	repository       Repository
	codec            Codec
	concurrency      int64
	timeout          time.Duration
	responderIDByKey bool
	now              func() time.Time

	logger *slog.Logger

	meter              metric.Meter
	responseCounter    metric.Int64Counter
	certificateCounter metric.Int64Counter
	durationHistogram  metric.Float64Histogram
}

// New creates a new [Responder] answering from repository.
func New(repository Repository, options Options) (*Responder, error) {
	if repository == nil {
		return nil, errors.New("ocspresponder: a repository is required")
	}
	r := &Responder{
		repository:       repository,
		codec:            options.Codec,
		concurrency:      int64(options.Concurrency),
		timeout:          options.Timeout,
		responderIDByKey: options.ResponderIDByKey,
		now:              options.Now,
		logger:           options.Logger,
		meter:            otel.Meter("github.com/matthewpi/ocspresponder"),
	}
	if r.codec == nil {
		r.codec = DERCodec()
	}
	if r.concurrency < 1 {
		r.concurrency = DefaultConcurrency
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	var err error
	r.responseCounter, err = r.meter.Int64Counter(
		"ocspresponder.responses",
		metric.WithDescription("OCSP responses by outer response status."),
	)
	if err != nil {
		return nil, fmt.Errorf("ocspresponder: failed to create otel meter: %w", err)
	}
	r.certificateCounter, err = r.meter.Int64Counter(
		"ocspresponder.certificates",
		metric.WithDescription("Certificate statuses reported in successful responses."),
	)
	if err != nil {
		return nil, fmt.Errorf("ocspresponder: failed to create otel meter: %w", err)
	}
	r.durationHistogram, err = r.meter.Float64Histogram(
		"ocspresponder.request.duration",
		metric.WithDescription("Time spent answering OCSP requests."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("ocspresponder: failed to create otel meter: %w", err)
	}
	return r, nil
}

// Respond answers req. It never fails: rejections and faults alike are
// encoded as an unsuccessful OCSP response.
//
// Respond returns InternalError once ctx is done (or Options.Timeout has
// passed) even when the repository doesn't honour ctx. The abandoned lookup
// keeps running in the background until the repository returns.
func (r *Responder) Respond(ctx context.Context, req ProtocolRequest) (res ProtocolResponse) {
	start := time.Now()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		r.responseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", res.Status.String())))
		r.durationHistogram.Record(ctx, time.Since(start).Seconds())
	}()

	done := make(chan ProtocolResponse, 1)
	go func() {
		done <- r.handle(ctx, req)
	}()
	select {
	case res = <-done:
		return res
	case <-ctx.Done():
		return r.fault(ctx, req, fmt.Errorf("ocspresponder: gave up on request: %w", ctx.Err()))
	}
}

// handle validates req and answers it. It is the single recover boundary of
// the pipeline.
func (r *Responder) handle(ctx context.Context, req ProtocolRequest) (res ProtocolResponse) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.LogAttrs(
				ctx,
				slog.LevelError,
				"panic while responding to ocsp request",
				slog.String("method", req.Method),
				slog.Any("panic", v),
			)
			res = internalErrorResponse()
		}
	}()

	validated, err := r.Validate(ctx, req)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			r.logger.LogAttrs(
				ctx,
				slog.LevelWarn,
				"rejected ocsp request",
				slog.String("method", req.Method),
				slog.String("status", reqErr.Status.String()),
				slog.String("reason", reqErr.Reason),
			)
			return r.errorResponse(ctx, reqErr.Status)
		}
		return r.fault(ctx, req, err)
	}

	res, err = r.respond(ctx, validated)
	if err != nil {
		return r.fault(ctx, req, err)
	}
	return res
}

// respond determines the status of every query of validated and builds the
// signed response.
func (r *Responder) respond(ctx context.Context, validated *ValidatedRequest) (ProtocolResponse, error) {
	// Both answers are shared by every query, so a batch never observes two
	// different views of them.
	compromise, err := r.repository.IsCaCompromised(ctx, validated.Issuer)
	if err != nil {
		return ProtocolResponse{}, fmt.Errorf("ocspresponder: failed to get CA compromise status: %w", err)
	}
	nextUpdate, err := r.repository.NextUpdate(ctx)
	if err != nil {
		return ProtocolResponse{}, fmt.Errorf("ocspresponder: failed to get next update: %w", err)
	}

	determinations, err := r.determineAll(ctx, validated, compromise)
	if err != nil {
		return ProtocolResponse{}, err
	}

	payload, err := r.Assemble(ctx, validated, determinations, nextUpdate)
	if err != nil {
		return ProtocolResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return ProtocolResponse{}, fmt.Errorf("ocspresponder: gave up before signing: %w", err)
	}
	body, err := r.codec.EncodeResponse(Successful, payload)
	if err != nil {
		return ProtocolResponse{}, fmt.Errorf("ocspresponder: failed to encode response: %w", err)
	}

	for _, d := range determinations {
		r.certificateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cert_status", d.Status.Status.String())))
	}
	return ProtocolResponse{
		Status:     Successful,
		MediaType:  ResponseMediaType,
		Body:       body,
		ThisUpdate: payload.ProducedAt,
		NextUpdate: nextUpdate,
	}, nil
}

// determineAll determines the status of every query concurrently. The
// results are in query order.
func (r *Responder) determineAll(ctx context.Context, validated *ValidatedRequest, compromise CaCompromiseStatus) ([]Determination, error) {
	results := make([]Determination, len(validated.Queries))
	g := semgroup.NewGroup(ctx, r.concurrency)
	for i, q := range validated.Queries {
		i, q := i, q
		g.Go(func() (err error) {
			// Panics don't cross goroutines, turn them into errors here.
			defer func() {
				if v := recover(); v != nil {
					err = fmt.Errorf("ocspresponder: panic while determining status: %v", v)
				}
			}()
			d, err := r.Determine(ctx, q, validated.Issuer, compromise)
			if err != nil {
				return fmt.Errorf("serial %s: %w", q.SerialNumber.Text(16), err)
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fault logs err and answers with InternalError.
func (r *Responder) fault(ctx context.Context, req ProtocolRequest, err error) ProtocolResponse {
	r.logger.LogAttrs(
		ctx,
		slog.LevelError,
		"failed to respond to ocsp request",
		slog.String("method", req.Method),
		slog.Any("err", err),
	)
	return r.errorResponse(ctx, InternalError)
}

// errorResponse encodes an unsuccessful response with status.
func (r *Responder) errorResponse(ctx context.Context, status ResponseStatus) ProtocolResponse {
	body, err := r.codec.EncodeResponse(status, nil)
	if err != nil {
		r.logger.LogAttrs(ctx, slog.LevelError, "failed to encode error response", slog.String("status", status.String()), slog.Any("err", err))
		return internalErrorResponse()
	}
	return ProtocolResponse{
		Status:    status,
		MediaType: ResponseMediaType,
		Body:      body,
	}
}

// internalErrorResponse is the last resort response, it needs neither the
// codec nor the repository.
func internalErrorResponse() ProtocolResponse {
	return ProtocolResponse{
		Status:    InternalError,
		MediaType: ResponseMediaType,
		Body:      bytes.Clone(xocsp.InternalErrorErrorResponse),
	}
}
