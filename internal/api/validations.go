package api

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var OneOfCaseInsensitive validator.Func = func(fl validator.FieldLevel) bool {
	fieldValue := fl.Field().String()
	allowedValues := strings.Split(fl.Param(), " ")

	for _, allowedValue := range allowedValues {
		if strings.EqualFold(fieldValue, allowedValue) {
			return true
		}
	}

	return false
}

// Endpoint accepts resource paths like /tasks/1/status. Absolute urls,
// whitespace, query strings and dot segments are rejected.
var Endpoint validator.Func = func(fl validator.FieldLevel) bool {
	endpoint := fl.Field().String()
	if !strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "//") {
		return false
	}

	if strings.ContainsAny(endpoint, "?#") || strings.IndexFunc(endpoint, unicode.IsSpace) != -1 {
		return false
	}

	for _, segment := range strings.Split(endpoint, "/") {
		if segment == "." || segment == ".." {
			return false
		}
	}

	return true
}

func RegisterValidations(v *validator.Validate) error {
	if err := v.RegisterValidation("oneofci", OneOfCaseInsensitive); err != nil {
		return err
	}
	return v.RegisterValidation("endpoint", Endpoint)
}
