package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorUnknownProvider     = "unknown_provider"
	ErrorInvalidPayload      = "invalid_payload"
	ErrorInvalidSignature    = "invalid_signature"
	ErrorNoToken             = "no_token"
	ErrorProviderUnreachable = "provider_unreachable"
	ErrorAlreadyRevoked      = "already_revoked"
	ErrorInvalidState        = "invalid_state"
	ErrorNotFound            = "not_found"
	ErrorConflict            = "conflict"
	ErrorBadInput            = "bad_input"
	ErrorRateLimited         = "rate_limited"
	ErrorInternal            = "internal_error"
)

type errorSpec struct {
	category goerrors.Category
	status   int
}

var errorSpecs = map[string]errorSpec{
	ErrorUnknownProvider:     {goerrors.CategoryBadInput, http.StatusBadRequest},
	ErrorInvalidPayload:      {goerrors.CategoryValidation, http.StatusBadRequest},
	ErrorInvalidSignature:    {goerrors.CategoryAuth, http.StatusUnauthorized},
	ErrorNoToken:             {goerrors.CategoryNotFound, http.StatusNotFound},
	ErrorProviderUnreachable: {goerrors.CategoryOperation, http.StatusBadGateway},
	ErrorAlreadyRevoked:      {goerrors.CategoryConflict, http.StatusConflict},
	ErrorInvalidState:        {goerrors.CategoryBadInput, http.StatusBadRequest},
	ErrorNotFound:            {goerrors.CategoryNotFound, http.StatusNotFound},
	ErrorConflict:            {goerrors.CategoryConflict, http.StatusConflict},
	ErrorBadInput:            {goerrors.CategoryBadInput, http.StatusBadRequest},
	ErrorRateLimited:         {goerrors.CategoryRateLimit, http.StatusTooManyRequests},
	ErrorInternal:            {goerrors.CategoryInternal, http.StatusInternalServerError},
}

// NewError builds a rich error for one of the gateway text codes.
func NewError(textCode string, message string) *goerrors.Error {
	spec, ok := errorSpecs[textCode]
	if !ok {
		textCode = ErrorInternal
		spec = errorSpecs[ErrorInternal]
	}
	return goerrors.New(strings.TrimSpace(message), spec.category).
		WithCode(spec.status).
		WithTextCode(textCode)
}

// WrapError attaches a gateway text code to a source error.
func WrapError(source error, textCode string, message string) *goerrors.Error {
	if source == nil {
		return NewError(textCode, message)
	}
	spec, ok := errorSpecs[textCode]
	if !ok {
		textCode = ErrorInternal
		spec = errorSpecs[ErrorInternal]
	}
	return goerrors.Wrap(source, spec.category, strings.TrimSpace(message)).
		WithCode(spec.status).
		WithTextCode(textCode)
}

// TextCode returns the gateway text code carried by err, or "" when err is
// not a rich error.
func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		return richErr.TextCode
	}
	return ""
}

func HasTextCode(err error, textCode string) bool {
	return err != nil && TextCode(err) == textCode
}

// MapError converts any error into a rich error with an HTTP code and text code.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return NewError(ErrorNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return NewError(ErrorConflict, err.Error())
	case errors.Is(err, ErrInvalidConnectionStatusTransition):
		return NewError(ErrorConflict, err.Error())
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no rows"):
		return NewError(ErrorNotFound, err.Error())
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(ErrorBadInput, err.Error())
	}

	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = textCodeForCategory(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func textCodeForCategory(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth:
		return ErrorInvalidSignature
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryOperation:
		return ErrorProviderUnreachable
	default:
		return ErrorInternal
	}
}

func httpStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
