package mdoc

import "errors"

// Error types mirror the failure categories of the verification pipeline:
// parsing, cryptography, trust, integrity, validity, and builder misuse.

type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ParseError) Unwrap() error { return e.Err }

type CryptoError struct {
	Msg string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *CryptoError) Unwrap() error { return e.Err }

type TrustError struct {
	Msg string
	Err error
}

func (e *TrustError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *TrustError) Unwrap() error { return e.Err }

type IntegrityError struct {
	Msg string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

type ValidityError struct {
	Msg string
}

func (e *ValidityError) Error() string { return e.Msg }

type BuilderError struct {
	Msg string
}

func (e *BuilderError) Error() string { return e.Msg }

func IsParseError(err error) bool {
	var e *ParseError
	return errors.As(err, &e)
}

func IsCryptoError(err error) bool {
	var e *CryptoError
	return errors.As(err, &e)
}

func IsTrustError(err error) bool {
	var e *TrustError
	return errors.As(err, &e)
}

func IsIntegrityError(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

func IsValidityError(err error) bool {
	var e *ValidityError
	return errors.As(err, &e)
}

func IsBuilderError(err error) bool {
	var e *BuilderError
	return errors.As(err, &e)
}
