package apperr

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// tag -> stable field error code
var tagCodes = map[string]string{
	"required": "required",
	"gte":      "number_must_be_positive",
	"gt":       "number_must_be_positive",
	"min":      "too_short",
	"max":      "too_long",
	"lte":      "number_too_large",
	"oneof":    "invalid_value",
	"email":    "invalid_email",
	"uuid":     "invalid_uuid",
}

// Struct runs the `validate` tags of s and records each failure under its
// json field path.
func (v *Validation) Struct(s interface{}) *Validation {
	err := structValidator.Struct(s)
	if err == nil {
		return v
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		v.Add("", "invalid", err.Error())
		return v
	}
	for _, fe := range fieldErrs {
		code, ok := tagCodes[fe.Tag()]
		if !ok {
			code = fe.Tag()
		}
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		v.AddWithParams(field, code, fe.Error(), map[string]interface{}{"param": fe.Param()})
	}
	return v
}

// ValidateStruct is Struct on a fresh Validation.
func ValidateStruct(s interface{}) error {
	return NewValidation().Struct(s).OrNil()
}
