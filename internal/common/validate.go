package common

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// custom validation tags
const (
	NotBlankTag = "notblank"
	PhoneTag    = "phone"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// NewValidator returns a validator that reports json field names and knows the
// notblank and phone tags.
func NewValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(NotBlankTag, func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation(PhoneTag, func(fl validator.FieldLevel) bool {
		return ValidPhone(fl.Field().String())
	})
	return v
}

// ValidPhone accepts E.164-like numbers; spaces, dashes and parentheses are
// ignored.
func ValidPhone(s string) bool {
	return phonePattern.MatchString(stripPhoneSeparators(s))
}

func stripPhoneSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, s)
}

// FromValidator converts validator output into a ValidationError wrapping
// cause. Other errors are returned unchanged.
func FromValidator(cause, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Error: describe(fe)})
	}
	return NewValidationError(cause, fields...)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", NotBlankTag:
		return "this field is required"
	case "required_if":
		return "this field is required for " + strings.ReplaceAll(fe.Param(), " ", "=")
	case "email":
		return "must be a valid email address"
	case PhoneTag:
		return "must be a phone number like +15551234567"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
