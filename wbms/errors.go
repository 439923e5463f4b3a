// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"fmt"
)

// ResultCode is the outcome of a pack operation, delivered either as the
// synchronous error of an entry point or in a Completion.
type ResultCode uint8

const (
	Success ResultCode = iota
	PartialSuccess
	InProgress
	InvalidParameter
	InvalidState
	NotConnected
	Fail
	Timeout
	NotSupported
	Busy
	BufferFull
	BufferEmpty
	CRCError
)

var resultCodeNames = [...]string{
	Success:          "success",
	PartialSuccess:   "partial success",
	InProgress:       "in progress",
	InvalidParameter: "invalid parameter",
	InvalidState:     "invalid state",
	NotConnected:     "not connected",
	Fail:             "fail",
	Timeout:          "timeout",
	NotSupported:     "not supported",
	Busy:             "busy",
	BufferFull:       "buffer full",
	BufferEmpty:      "buffer empty",
	CRCError:         "crc error",
}

func (c ResultCode) String() string {
	if int(c) < len(resultCodeNames) {
		return resultCodeNames[c]
	}
	return fmt.Sprintf("result(%d)", uint8(c))
}

// Error carries a ResultCode together with the operation that produced it.
// Two errors match with errors.Is when their codes are equal, so callers
// compare against the sentinel values below.
type Error struct {
	Code ResultCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	s := "wbms: "
	if e.Op != "" {
		s += e.Op + ": "
	}
	s += e.Code.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code ResultCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// error defined
var (
	ErrInvalidParameter = &Error{Code: InvalidParameter}
	ErrInvalidState     = &Error{Code: InvalidState}
	ErrNotConnected     = &Error{Code: NotConnected}
	ErrFail             = &Error{Code: Fail}
	ErrTimeout          = &Error{Code: Timeout}
	ErrNotSupported     = &Error{Code: NotSupported}
	ErrBusy             = &Error{Code: Busy}
	ErrBufferFull       = &Error{Code: BufferFull}
	ErrBufferEmpty      = &Error{Code: BufferEmpty}
	ErrCRC              = &Error{Code: CRCError}
)

// Return codes carried as the trailing byte of remote responses.
const (
	rcSuccess      uint8 = 0
	rcWait         uint8 = 1
	rcFail         uint8 = 2
	rcCRCMismatch  uint8 = 3
	rcFileRejected uint8 = 4
	rcInvalidParam uint8 = 5
	rcNotSupported uint8 = 6
	rcInvalidState uint8 = 7
)

// translateReturnCode maps a remote return code to the local taxonomy.
// rcWait has no terminal meaning and maps to InProgress.
func translateReturnCode(rc uint8) ResultCode {
	switch rc {
	case rcSuccess:
		return Success
	case rcWait:
		return InProgress
	case rcCRCMismatch:
		return CRCError
	case rcInvalidParam:
		return InvalidParameter
	case rcNotSupported:
		return NotSupported
	case rcInvalidState:
		return InvalidState
	default: // rcFail, rcFileRejected and anything unknown
		return Fail
	}
}
