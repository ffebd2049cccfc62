// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

// Package wait polls conditions until they hold.
package wait

import (
	"context"
	"time"
)

// ConditionWithContextFunc returns true if the condition is satisfied, or an
// error if polling should be aborted.
type ConditionWithContextFunc func(context.Context) (done bool, err error)

// PollUntilContextCancel calls condition every interval until it returns true,
// returns an error or ctx is done. When immediate is true condition is called
// once before the first wait, even if ctx is already done.
//
// The returned error is the one of condition, ctx.Err() or nil.
func PollUntilContextCancel(ctx context.Context, interval time.Duration, immediate bool, condition ConditionWithContextFunc) error {
	if immediate {
		if ok, err := condition(ctx); err != nil || ok {
			return err
		}
	}

	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		// A short interval may win the select above over a done context.
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok, err := condition(ctx); err != nil || ok {
			return err
		}
		t.Reset(interval)
	}
}

// PollUntilContextTimeout is PollUntilContextCancel giving up after timeout.
func PollUntilContextTimeout(ctx context.Context, interval, timeout time.Duration, immediate bool, condition ConditionWithContextFunc) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return PollUntilContextCancel(ctx, interval, immediate, condition)
}
