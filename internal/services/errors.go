package services

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
)

type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindConflict          ErrorKind = "CONFLICT"
	KindInvalidState      ErrorKind = "INVALID_STATE"
	KindInvalidArgument   ErrorKind = "INVALID_ARGUMENT"
	KindLedgerIntegration ErrorKind = "LEDGER_INTEGRATION"
)

// Machine readable error codes returned in the "code" field.
const (
	CodeValidationFailed           = "ValidationFailed"
	CodeReceiptNotFound            = "ReceiptNotFound"
	CodeInstitutionNotFound        = "InstitutionNotFound"
	CodeInstitutionInactive        = "InstitutionInactive"
	CodeEndorsementNotFound        = "EndorsementNotFound"
	CodePledgeNotFound             = "PledgeNotFound"
	CodeReleaseNotFound            = "ReleaseNotFound"
	CodeSubmissionNotFound         = "SubmissionNotFound"
	CodeNotReceiptOwner            = "NotReceiptOwner"
	CodeNotEndorsee                = "NotEndorsee"
	CodePendingEndorsementExists   = "PendingEndorsementExists"
	CodeEndorsementNoMismatch      = "EndorsementNoMismatch"
	CodeTxHashImmutable            = "TxHashImmutable"
	CodeLedgerSubmissionInProgress = "LedgerSubmissionInProgress"
	CodeConcurrentModification     = "ConcurrentModification"
	CodeInvalidTransition          = "InvalidTransition"
	CodeEndorsementNotPending      = "EndorsementNotPending"
	CodeEndorsementNotConfirmed    = "EndorsementNotConfirmed"
	CodeUnsupportedEndorsement     = "UnsupportedEndorsementType"
	CodePledgeNotActive            = "PledgeNotActive"
	CodeInsufficientRepayment      = "InsufficientRepayment"
	CodeLedgerReverted             = "LedgerReverted"
	CodeLedgerTimeout              = "LedgerTimeout"
	CodeLedgerUnavailable          = "LedgerUnavailable"
	CodeLedgerCallbackMismatch     = "LedgerCallbackMismatch"
	CodeRepaymentMismatch          = "RepaymentMismatch"
	CodeFinancingNotOutstanding    = "FinancingNotOutstanding"
)

// ServiceError is the typed failure every service operation returns. Kind
// decides the HTTP status, Code is stable for clients.
type ServiceError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindLedgerIntegration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind ErrorKind, code, format string, args ...any) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func ValidationError(format string, args ...any) *ServiceError {
	return newError(KindValidation, CodeValidationFailed, format, args...)
}

func NotFoundError(code, format string, args ...any) *ServiceError {
	return newError(KindNotFound, code, format, args...)
}

func ForbiddenError(code, format string, args ...any) *ServiceError {
	return newError(KindForbidden, code, format, args...)
}

func ConflictError(code, format string, args ...any) *ServiceError {
	return newError(KindConflict, code, format, args...)
}

func InvalidStateError(code, format string, args ...any) *ServiceError {
	return newError(KindInvalidState, code, format, args...)
}

func InvalidArgumentError(code, format string, args ...any) *ServiceError {
	return newError(KindInvalidArgument, code, format, args...)
}

func LedgerIntegrationError(code string, err error, format string, args ...any) *ServiceError {
	e := newError(KindLedgerIntegration, code, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of a ServiceError anywhere in err's chain, or "".
func KindOf(err error) ErrorKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// CodeOf returns the code of a ServiceError anywhere in err's chain, or "".
func CodeOf(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// SendServiceError writes err using the shared error envelope. Unknown errors
// are logged and reported as 500 without leaking internals.
func SendServiceError(w http.ResponseWriter, err error) {
	var se *ServiceError
	if errors.As(err, &se) {
		var details error
		var verrs validator.ValidationErrors
		if errors.As(se.Err, &verrs) {
			details = verrs
		}
		sendError(w, se.Message, se.Code, se.HTTPStatus(), details)
		return
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		sendError(w, "Validation failed", CodeValidationFailed, http.StatusBadRequest, verrs)
		return
	}

	log.Printf("[API] Unhandled error: %v", err)
	sendError(w, "Internal server error", "Internal", http.StatusInternalServerError, nil)
}
