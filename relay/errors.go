/***************************************************************
 *
 * Copyright (C) 2025, Relaybot Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package relay

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// SlowTransferError is returned when a download's measured speed stays
// below the configured floor after the ramp-up period.
type SlowTransferError struct {
	BytesTransferred int64
	BytesPerSecond   int64
	BytesTotal       int64
	Duration         time.Duration
}

func (e *SlowTransferError) Error() string {
	return "cancelled transfer, too slow.  Detected speed: " +
		byteCountSI(e.BytesPerSecond) +
		"/s, total transferred: " +
		byteCountSI(e.BytesTransferred) +
		", total transfer time: " +
		e.Duration.String()
}

func (e *SlowTransferError) Is(target error) bool {
	_, ok := target.(*SlowTransferError)
	return ok
}

// StoppedTransferError is returned when a download stops making any
// progress at all for the configured timeout.
type StoppedTransferError struct {
	BytesTransferred int64
}

func (e *StoppedTransferError) Error() string {
	return fmt.Sprintf("transfer stopped after %s transferred", byteCountSI(e.BytesTransferred))
}

func (e *StoppedTransferError) Is(target error) bool {
	_, ok := target.(*StoppedTransferError)
	return ok
}

// StatusCodeError is returned when a mirror answers with a non-success
// HTTP status.
type StatusCodeError struct {
	Code int
	URL  string
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("mirror returned status %d (%s)", e.Code, http.StatusText(e.Code))
}

// ResolutionFailure is returned when the share link could not be turned
// into any fetchable mirror.
type ResolutionFailure struct {
	Link string
	Err  error
}

func (e *ResolutionFailure) Error() string {
	if e.Err == nil {
		return "failed to resolve share link"
	}
	return "failed to resolve share link: " + e.Err.Error()
}

func (e *ResolutionFailure) Unwrap() error {
	return e.Err
}

// PlatformTransientError wraps a messaging-platform failure that a later
// retry could plausibly get past (flood limits, gateway hiccups).
type PlatformTransientError struct {
	Op  string
	Err error
}

func (e *PlatformTransientError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PlatformTransientError) Unwrap() error {
	return e.Err
}

// ErrCancelled is the terminal error of a user-cancelled session.
var ErrCancelled = errors.New("transfer cancelled by user")

// TransferFailure is the terminal error of a session that exhausted its
// attempt budget.  It carries the accumulated per-mirror errors.
type TransferFailure struct {
	Errors *TransferErrors
}

func (e *TransferFailure) Error() string {
	return "transfer failed after all attempts: " + e.Errors.Error()
}

func (e *TransferFailure) Unwrap() error {
	return e.Errors
}

type (
	TimestampedError struct {
		err       error
		timestamp time.Time
	}

	// A container object for multiple sub-errors representing transfer failures.
	TransferErrors struct {
		start  time.Time
		errors []error
	}
)

func (te *TimestampedError) Error() string {
	return te.err.Error()
}

func (te *TimestampedError) Unwrap() error {
	return te.err
}

// Create a new transfer error object
func NewTransferErrors() *TransferErrors {
	return &TransferErrors{
		start:  time.Now(),
		errors: make([]error, 0),
	}
}

func (te *TransferErrors) AddError(err error) {
	te.AddPastError(err, time.Now())
}

func (te *TransferErrors) AddPastError(err error, timestamp time.Time) {
	if te.errors == nil {
		te.errors = make([]error, 0)
	}
	if err != nil {
		te.errors = append(te.errors, &TimestampedError{err: err, timestamp: timestamp})
	}
}

func (te *TransferErrors) Unwrap() []error {
	return te.errors
}

func (te *TransferErrors) Error() string {
	if te.errors == nil {
		return "transfer error unknown"
	}
	if len(te.errors) == 1 {
		return "transfer error: " + te.errors[0].Error()
	}
	errs := make([]string, len(te.errors))
	for idx, err := range te.errors {
		errs[idx] = err.Error()
	}
	return "transfer errors: [" + strings.Join(errs, ", ") + "]"
}

// UserError formats the accumulated failures for a chat message: most
// recent first, each with the time elapsed since the previous failure.
func (te *TransferErrors) UserError() string {
	first := true
	lastError := te.start
	var errorsFormatted []string
	for idx, err := range te.errors {
		theError := err.(*TimestampedError)
		var errFmt string
		if len(te.errors) > 1 {
			errFmt = fmt.Sprintf("Mirror #%v: %s", idx+1, theError.err.Error())
		} else {
			errFmt = theError.err.Error()
		}
		timeElapsed := theError.timestamp.Sub(lastError)
		errFmt += " (" + timeElapsed.Truncate(100*time.Millisecond).String()
		if first {
			errFmt += " since start)"
		} else {
			timeSinceStart := theError.timestamp.Sub(te.start)
			errFmt += " elapsed, " + timeSinceStart.Truncate(100*time.Millisecond).String() + " since start)"
		}
		lastError = theError.timestamp
		errorsFormatted = append(errorsFormatted, errFmt)
		first = false
	}
	var toReturn string
	first = true
	for idx := len(errorsFormatted) - 1; idx >= 0; idx-- {
		if !first {
			toReturn += "; "
		}
		toReturn += errorsFormatted[idx]
		first = false
	}
	return toReturn
}

// IsRetryable reports whether a later attempt could plausibly succeed.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCancelled) {
		return false
	}

	var pte *PlatformTransientError
	if errors.As(err, &pte) {
		return true
	}

	if errors.Is(err, &SlowTransferError{}) || errors.Is(err, &StoppedTransferError{}) {
		return true
	}

	var sce *StatusCodeError
	if errors.As(err, &sce) {
		switch sce.Code {
		case http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// Returns true if all errors are retryable.
// If no errors are present, then returns true
func (te *TransferErrors) AllErrorsRetryable() bool {
	if te.errors == nil {
		return true
	}
	for _, err := range te.errors {
		if !IsRetryable(err) {
			return false
		}
	}
	return true
}

func ShouldRetry(err error) bool {
	var te *TransferErrors
	if errors.As(err, &te) {
		return te.AllErrorsRetryable()
	}
	return IsRetryable(err)
}
