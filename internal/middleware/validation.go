package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "licensed/internal/errors"
	"licensed/pkg/contracts/domain"
)

// maxBodySize bounds decoded request bodies
const maxBodySize = 1 << 20

// Validator decodes and validates request DTOs using struct tags
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator that reports JSON field names and knows
// the licensing tags licensekey, location and version
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("licensekey", isLicenseKey)
	_ = v.RegisterValidation("location", isLocation)
	_ = v.RegisterValidation("version", isVersion)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Decode reads a JSON body into dst and validates it
func (v *Validator) Decode(r *http.Request, dst interface{}) error {
	if err := render.DecodeJSON(io.LimitReader(r.Body, maxBodySize), dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("body", "request body is required")
		}
		return apperrors.Validation("body", "request body contains invalid JSON")
	}
	return v.Struct(dst)
}

// Struct validates s and converts the first failure into a validation error
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.Validation("body", err.Error())
	}
	fe := fieldErrs[0]
	return apperrors.Validation(fe.Field(), formatValidationError(fe))
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "licensekey":
		return fmt.Sprintf("%s must be a license key of at most %d characters", field, domain.MaxKeyLength)
	case "location":
		return fmt.Sprintf("%s must be a site location of at most %d characters", field, domain.MaxLocationLength)
	case "version":
		return fmt.Sprintf("%s must be a version number", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

// isLicenseKey accepts non-blank keys without whitespace
func isLicenseKey(fl validator.FieldLevel) bool {
	key := fl.Field().String()
	if key == "" || len(key) > domain.MaxKeyLength {
		return false
	}
	return strings.IndexFunc(key, unicode.IsSpace) < 0
}

func isLocation(fl validator.FieldLevel) bool {
	loc := strings.TrimSpace(fl.Field().String())
	return loc != "" && len(loc) <= domain.MaxLocationLength
}

// isVersion accepts dotted versions with optional suffixes such as 1.2.0-beta1
func isVersion(fl validator.FieldLevel) bool {
	version := fl.Field().String()
	if version == "" || len(version) > 64 || !unicode.IsDigit(rune(version[0])) {
		return false
	}
	for _, ch := range version {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && !strings.ContainsRune(".-_+", ch) {
			return false
		}
	}
	return true
}
