// Package validate wraps go-playground/validator with JSON-tag aware,
// human-readable error messages for request bodies.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var v = newValidate()

func newValidate() *validator.Validate {
	vd := validator.New()
	// Report JSON field names instead of Go struct field names.
	vd.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return vd
}

// Struct validates the tagged fields of a request struct and returns a
// single human-readable error suitable for a 400 response body.
func Struct(i any) error {
	err := v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return formatErrors(verrs)
	}
	return err
}

func formatErrors(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		field := strings.ToLower(err.Field())
		var message string
		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", field)
		case "url":
			message = fmt.Sprintf("%s must be a valid URL", field)
		case "max":
			message = fmt.Sprintf("%s must be at most %s characters", field, err.Param())
		default:
			message = fmt.Sprintf("%s failed validation for %s", field, err.Tag())
		}
		messages = append(messages, message)
	}
	return errors.New(strings.Join(messages, "; "))
}
