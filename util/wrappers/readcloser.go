// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wrappers

import (
	"errors"
	"io"
)

var ErrClosed = errors.New("closed")

// ReaderWrapper shields a shared reader (usually stdin) from being closed
// by a component that only borrows it. Closing the wrapper just stops
// further reads.
type ReaderWrapper struct {
	isClosed bool
	wrapped  io.Reader
}

func NewReaderWrapper(wraps io.Reader) *ReaderWrapper {
	return &ReaderWrapper{wrapped: wraps}
}

// Close implements repl.ReadCloser.
func (r *ReaderWrapper) Close() error {
	r.isClosed = true
	return nil
}

// Read implements repl.ReadCloser.
func (r *ReaderWrapper) Read(p []byte) (n int, err error) {
	if r.isClosed {
		return 0, ErrClosed
	}
	return r.wrapped.Read(p)
}
