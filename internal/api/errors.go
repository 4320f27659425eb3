package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized — сервер отклонил авторизацию (токен истёк/недействителен).
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNetwork — временный сбой сети или сервера, можно повторить.
	ErrNetwork = errors.New("network failure")
	// ErrValidation — запрос отклонён до сети или сервером как некорректный.
	ErrValidation = errors.New("validation failure")
)

type AuthReason string

const (
	ReasonBadCredentials         AuthReason = "bad_credentials"
	ReasonUnauthorized           AuthReason = "unauthorized"
	ReasonAdditionalInfoRequired AuthReason = "additional_info_required"
	ReasonForbidden              AuthReason = "forbidden"
)

// AuthFailure — отказ в аутентификации. Только ReasonUnauthorized уничтожает сессию,
// остальные причины показываются пользователю рядом с формой.
type AuthFailure struct {
	Reason  AuthReason
	Message string
}

func (e *AuthFailure) Error() string {
	if e.Message == "" {
		return "auth: " + string(e.Reason)
	}
	return "auth: " + string(e.Reason) + ": " + e.Message
}

func (e *AuthFailure) Is(target error) bool {
	return target == ErrUnauthorized && e.Reason == ReasonUnauthorized
}

// NetworkFailure — транспортная ошибка или 5xx.
type NetworkFailure struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkFailure) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkFailure) Unwrap() error { return e.Err }

func (e *NetworkFailure) Is(target error) bool { return target == ErrNetwork }

// ValidationFailure — некорректный запрос (пустое сообщение и т.п.).
type ValidationFailure struct {
	Field   string
	Message string
}

func (e *ValidationFailure) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return "validation: " + e.Field + ": " + e.Message
}

func (e *ValidationFailure) Is(target error) bool { return target == ErrValidation }

// StatusError — прочие ответы не 2xx (404, 409 ...).
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
