package httphelper

import (
	"encoding/json"
	"fmt"
	"net/http"

	"gopkg.in/inconshreveable/log15.v2"
)

type ErrorCode string

const (
	NotFoundErrorCode           ErrorCode = "not_found"
	ObjectNotFoundErrorCode     ErrorCode = "object_not_found"
	ObjectExistsErrorCode       ErrorCode = "object_exists"
	ConflictErrorCode           ErrorCode = "conflict"
	SyntaxErrorCode             ErrorCode = "syntax_error"
	ValidationErrorCode         ErrorCode = "validation_error"
	PreconditionFailedErrorCode ErrorCode = "precondition_failed"
	TimeoutErrorCode            ErrorCode = "timeout"
	UnknownErrorCode            ErrorCode = "unknown_error"
)

var errorResponseCodes = map[ErrorCode]int{
	NotFoundErrorCode:           404,
	ObjectNotFoundErrorCode:     404,
	ObjectExistsErrorCode:       409,
	ConflictErrorCode:           409,
	PreconditionFailedErrorCode: 412,
	SyntaxErrorCode:             400,
	ValidationErrorCode:         400,
	TimeoutErrorCode:            504,
	UnknownErrorCode:            500,
}

type JSONError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Retry   bool      `json:"retry"`
}

func (e JSONError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func isJSONErrorWithCode(err error, code ErrorCode) bool {
	e, ok := err.(JSONError)
	return ok && e.Code == code
}

func IsObjectNotFoundError(err error) bool {
	return isJSONErrorWithCode(err, ObjectNotFoundErrorCode)
}

func IsObjectExistsError(err error) bool {
	return isJSONErrorWithCode(err, ObjectExistsErrorCode)
}

// Logger, when set, receives every 5xx error served.
var Logger log15.Logger

func logError(err error) {
	if Logger != nil {
		Logger.Error(err.Error())
	}
}

func Error(w http.ResponseWriter, err error) {
	var jsonError JSONError
	if e, ok := err.(JSONError); ok {
		jsonError = e
	} else {
		logError(err)
		jsonError = JSONError{
			Code:    UnknownErrorCode,
			Message: "Something went wrong",
		}
	}
	responseCode, ok := errorResponseCodes[jsonError.Code]
	if !ok {
		responseCode = 500
	}
	JSON(w, responseCode, jsonError)
}

func ObjectNotFoundError(w http.ResponseWriter, message string) {
	Error(w, JSONError{Code: ObjectNotFoundErrorCode, Message: message})
}

func ObjectExistsError(w http.ResponseWriter, message string) {
	Error(w, JSONError{Code: ObjectExistsErrorCode, Message: message})
}

func ConflictError(w http.ResponseWriter, message string) {
	Error(w, JSONError{Code: ConflictErrorCode, Message: message})
}

func PreconditionFailedError(w http.ResponseWriter, message string) {
	Error(w, JSONError{Code: PreconditionFailedErrorCode, Message: message})
}

func ValidationError(w http.ResponseWriter, field, message string) {
	err := JSONError{Code: ValidationErrorCode, Message: message}
	if field != "" {
		err.Message = fmt.Sprintf("%s %s", field, message)
	}
	Error(w, err)
}

func TimeoutError(w http.ResponseWriter, message string) {
	Error(w, JSONError{Code: TimeoutErrorCode, Message: message, Retry: true})
}

func JSON(w http.ResponseWriter, status int, v interface{}) {
	result, err := json.Marshal(v)
	if err != nil {
		logError(err)
		result = []byte(`{"code":"unknown_error","message":"Something went wrong"}`)
		status = 500
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(result)
}

func DecodeJSON(req *http.Request, i interface{}) error {
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(i); err != nil {
		return JSONError{Code: SyntaxErrorCode, Message: "The provided JSON input is invalid"}
	}
	return nil
}
