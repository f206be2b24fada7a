package api

import (
	"fmt"
	"strings"

	"treeleaf/internal/copier"
	"treeleaf/internal/repeat"
)

type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Коды ошибок входных данных
const (
	ErrRequired   = "required"
	ErrOutOfRange = "out_of_range"
)

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

func checkSuffix(field string, n int) []FieldError {
	if n < 0 {
		return []FieldError{ferr(ErrOutOfRange, field, fmt.Sprintf("suffix must be >= 0, got %d", n))}
	}
	return nil
}

func validateOptions(o repeat.Options) []FieldError {
	return checkSuffix("suffix", o.Suffix)
}

func validateCopy(r copier.Request) []FieldError {
	errs := checkSuffix("suffix", r.Suffix)
	for i, id := range r.Roots {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, ferr(ErrRequired, fmt.Sprintf("roots[%d]", i), "root id is empty"))
		}
	}
	return errs
}

func validateVariable(r copier.VariableRequest) []FieldError {
	var errs []FieldError
	if strings.TrimSpace(r.VariableID) == "" {
		errs = append(errs, ferr(ErrRequired, "variableId", "variableId is required"))
	}
	errs = append(errs, checkSuffix("newSuffix", r.Suffix)...)
	return errs
}
