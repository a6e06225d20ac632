// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wrappers

import (
	"io"
)

// WriterWrapper is the write-side sibling of ReaderWrapper: closing it
// detaches the borrower without closing the underlying writer.
type WriterWrapper struct {
	isClosed bool
	wrapped  io.Writer
}

func NewWriterWrapper(wraps io.Writer) *WriterWrapper {
	return &WriterWrapper{wrapped: wraps}
}

func (w *WriterWrapper) Close() error {
	w.isClosed = true
	return nil
}

func (w *WriterWrapper) Write(p []byte) (n int, err error) {
	if w.isClosed {
		return 0, ErrClosed
	}
	return w.wrapped.Write(p)
}
