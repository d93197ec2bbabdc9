// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package validation provides struct validation using go-playground/validator v10.
//
// A single validator instance is shared process-wide (it caches struct
// metadata) and carries the custom tags used at the archive boundary:
//
//   - sha256hex: 64 lowercase hexadecimal characters
//   - identifier: 1-128 characters of [A-Za-z0-9._:@/-]
//
// Example:
//
//	type SubmitMetadata struct {
//	    SourceID string `validate:"required,identifier"`
//	}
//	if err := validation.ValidateStruct(&meta); err != nil {
//	    return err // *RequestValidationError
//	}
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	sha256Pattern     = regexp.MustCompile(`^[0-9a-f]{64}$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:@/\-]{1,128}$`)
)

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// RequestValidationError is returned when one or more fields fail validation.
type RequestValidationError struct {
	Errors []ValidationError
}

// Error joins the individual field messages.
func (ve *RequestValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, 0, len(ve.Errors))
	for _, err := range ve.Errors {
		messages = append(messages, err.Message)
	}
	return "validation failed: " + strings.Join(messages, "; ")
}

// HasField reports whether field failed validation.
func (ve *RequestValidationError) HasField(field string) bool {
	for _, err := range ve.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// GetValidator returns the shared validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		mustRegister(validate, "sha256hex", func(fl validator.FieldLevel) bool {
			return sha256Pattern.MatchString(fl.Field().String())
		})
		mustRegister(validate, "identifier", func(fl validator.FieldLevel) bool {
			return identifierPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// ValidateStruct validates s and returns nil or a *RequestValidationError.
func ValidateStruct(s interface{}) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &RequestValidationError{Errors: []ValidationError{{
			Field:   "unknown",
			Tag:     "unknown",
			Message: err.Error(),
		}}}
	}

	fieldErrors := make([]ValidationError, len(validationErrs))
	for i, fe := range validationErrs {
		fieldErrors[i] = ValidationError{
			Field:   fe.Namespace(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translateError(fe),
		}
	}
	return &RequestValidationError{Errors: fieldErrors}
}

// ValidateVar validates a single value against a tag expression.
func ValidateVar(field string, value interface{}, tag string) error {
	if err := GetValidator().Var(value, tag); err != nil {
		return &RequestValidationError{Errors: []ValidationError{{
			Field:   field,
			Tag:     tag,
			Message: fmt.Sprintf("%s failed %s validation", field, tag),
		}}}
	}
	return nil
}

var errorMessageTemplates = map[string]string{
	"required":      "%s is required",
	"sha256hex":     "%s must be a lowercase hex SHA-256 digest",
	"identifier":    "%s must be 1-128 characters of letters, digits or ._:@/-",
	"url":           "%s must be a valid URL",
	"hostname_port": "%s must be host:port",
}

var errorMessageWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
	"min":   "%s must be at least %s",
	"max":   "%s must be at most %s",
}

func translateError(fe validator.FieldError) string {
	field := fe.Namespace()
	if template, ok := errorMessageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(template, field)
	}
	if template, ok := errorMessageWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(template, field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
