package utils

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs validator/v10 tag validation and converts the first
// failure into a ValidationError so callers can reject input synchronously.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			Field:  fe.Field(),
			Reason: "failed rule '" + fe.Tag() + "'",
		}
	}
	return err
}
