// Package validation wraps a shared go-playground validator with the
// coordinate rules the dispatch API needs.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the singleton validator. Field names in errors are the
// JSON names clients send.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			return name
		})
		// a [longitude, latitude] pair
		_ = validate.RegisterValidation("lnglat", func(fl validator.FieldLevel) bool {
			pair, ok := fl.Field().Interface().([]float64)
			return ok && len(pair) == 2 && ToPosition(pair).Valid()
		})
	})
	return validate
}

var messages = map[string]string{
	"required":  "%s is required",
	"email":     "%s must be a valid email address",
	"lnglat":    "%s must be [longitude, latitude] within WGS84 ranges",
	"latitude":  "%s must be a valid latitude (-90 to 90)",
	"longitude": "%s must be a valid longitude (-180 to 180)",
}

// Struct validates s and returns an apperr Validation error listing every
// failing field, or nil.
func Struct(s any) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Wrap(apperr.Validation, "validate", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, translate(fe))
	}
	return apperr.New(apperr.Validation, strings.Join(parts, "; "))
}

func translate(fe validator.FieldError) string {
	if tmpl, ok := messages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, fe.Field())
	}
	switch fe.Tag() {
	case "min", "max", "gte", "lte", "gt", "lt", "oneof":
		return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}

// ToPosition converts a validated [longitude, latitude] pair.
func ToPosition(pair []float64) models.Position {
	if len(pair) != 2 {
		return models.Position{}
	}
	return models.Position{Lng: pair[0], Lat: pair[1]}
}

// PositionPtr is ToPosition for optional fields; nil stays nil.
func PositionPtr(pair []float64) *models.Position {
	if pair == nil {
		return nil
	}
	p := ToPosition(pair)
	return &p
}
