// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azapi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

var (
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrDeploymentTimeout is returned when monitoring a deployment exceeded
	// its polling budget without reaching a terminal state.
	ErrDeploymentTimeout = errors.New("timed out waiting for deployment to complete")
)

// ErrorKind is the discriminant of a classified cloud error.
type ErrorKind string

const (
	ErrorKindTransient  ErrorKind = "Transient"
	ErrorKindAuth       ErrorKind = "Auth"
	ErrorKindNotFound   ErrorKind = "NotFound"
	ErrorKindValidation ErrorKind = "Validation"
	ErrorKindUnknown    ErrorKind = "Unknown"
)

// CloudError wraps an error returned by an Azure endpoint with its
// classification. Callers branch on Kind instead of inspecting raw HTTP
// status codes.
type CloudError struct {
	Kind       ErrorKind
	Code       string
	StatusCode int
	Operation  string
	Inner      error
}

func (e *CloudError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Operation, e.Kind, e.Code, e.Inner)
	}
	return fmt.Sprintf("%s: %s: %v", e.Operation, e.Kind, e.Inner)
}

func (e *CloudError) Unwrap() error {
	return e.Inner
}

// Retryable reports whether the operation may be retried.
func (e *CloudError) Retryable() bool {
	return e.Kind == ErrorKindTransient
}

// classifyError maps an error from the Azure SDK onto a [CloudError]. The nil
// error maps to nil.
func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}

	cloudErr := &CloudError{
		Kind:      ErrorKindUnknown,
		Operation: operation,
		Inner:     err,
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		cloudErr.Code = respErr.ErrorCode
		cloudErr.StatusCode = respErr.StatusCode

		switch {
		case respErr.StatusCode == 429 || respErr.StatusCode >= 500:
			cloudErr.Kind = ErrorKindTransient
		case respErr.StatusCode == 401 || respErr.StatusCode == 403:
			cloudErr.Kind = ErrorKindAuth
		case respErr.StatusCode == 404:
			cloudErr.Kind = ErrorKindNotFound
		case respErr.StatusCode == 400:
			cloudErr.Kind = ErrorKindValidation
		}

		return cloudErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		cloudErr.Kind = ErrorKindTransient
	} else if errors.Is(err, context.DeadlineExceeded) {
		cloudErr.Kind = ErrorKindTransient
	}

	return cloudErr
}

// IsTransient reports whether err classifies as a retryable cloud error.
func IsTransient(err error) bool {
	var cloudErr *CloudError
	return errors.As(err, &cloudErr) && cloudErr.Retryable()
}

// KindOf returns the classification of err, or ErrorKindUnknown when err was
// not produced by this package.
func KindOf(err error) ErrorKind {
	var cloudErr *CloudError
	if errors.As(err, &cloudErr) {
		return cloudErr.Kind
	}
	return ErrorKindUnknown
}
