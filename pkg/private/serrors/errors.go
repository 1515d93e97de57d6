// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serrors provides enhanced errors. Errors created with serrors can
// have additional log context in the form of key value pairs. The returned
// errors support the standard Is and As functionality: for any returned
// error err, errors.Is(err, err) is always true, and for any err created
// with a cause or a sentinel, errors.Is matches that cause or sentinel.
package serrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ctxPair is one item of log context.
type ctxPair struct {
	Key   string
	Value any
}

type basicError struct {
	msg      string
	sentinel error
	cause    error
	ctx      []ctxPair
}

func (e *basicError) Error() string {
	var sb strings.Builder
	if e.sentinel != nil {
		sb.WriteString(e.sentinel.Error())
	} else {
		sb.WriteString(e.msg)
	}
	if len(e.ctx) != 0 {
		sb.WriteString(" {")
		for i, pair := range e.ctx {
			if i != 0 {
				sb.WriteString("; ")
			}
			fmt.Fprintf(&sb, "%s=%v", pair.Key, pair.Value)
		}
		sb.WriteString("}")
	}
	if e.cause != nil {
		fmt.Fprintf(&sb, ": %s", e.cause)
	}
	return sb.String()
}

func (e *basicError) Unwrap() []error {
	var errs []error
	if e.sentinel != nil {
		errs = append(errs, e.sentinel)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// MarshalLogObject implements zapcore.ObjectMarshaler to have a nicer log
// representation.
func (e *basicError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if e.sentinel != nil {
		enc.AddString("msg", e.sentinel.Error())
	} else {
		enc.AddString("msg", e.msg)
	}
	if e.cause != nil {
		if m, ok := e.cause.(zapcore.ObjectMarshaler); ok {
			if err := enc.AddObject("cause", m); err != nil {
				return err
			}
		} else {
			enc.AddString("cause", e.cause.Error())
		}
	}
	for _, pair := range e.ctx {
		zap.Any(pair.Key, pair.Value).AddTo(enc)
	}
	return nil
}

// New creates a new error with the given message and context.
func New(msg string, errCtx ...any) error {
	return &basicError{msg: msg, ctx: mkContext(errCtx)}
}

// Wrap returns an error that associates the given message and context with
// the given cause. The returned error matches the cause with errors.Is.
func Wrap(msg string, cause error, errCtx ...any) error {
	return &basicError{msg: msg, cause: cause, ctx: mkContext(errCtx)}
}

// Join returns an error that matches both err and cause with errors.Is. It
// is used to attach a cause and context to a sentinel error. A nil cause is
// allowed and contributes nothing.
func Join(err, cause error, errCtx ...any) error {
	return &basicError{sentinel: err, cause: cause, ctx: mkContext(errCtx)}
}

// IsTimeout returns whether err is or is caused by a timeout error.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// IsTemporary returns whether err is or is caused by a temporary error.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func mkContext(errCtx []any) []ctxPair {
	np := len(errCtx) / 2
	ctx := make([]ctxPair, np)
	for i := 0; i < np; i++ {
		ctx[i] = ctxPair{Key: fmt.Sprint(errCtx[2*i]), Value: errCtx[2*i+1]}
	}
	sort.Slice(ctx, func(a, b int) bool {
		return ctx[a].Key < ctx[b].Key
	})
	return ctx
}
