package utils

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

	siteDomainPattern = regexp.MustCompile(`^(https?://)([a-zA-Z0-9-_]+\.)+[a-zA-Z]{2,}(:\d+)?(/.*)?$`)
)

// Validator returns the process-wide validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// sitedomain: http(s) URL whose host has at least one dot.
		_ = validate.RegisterValidation("sitedomain", func(fl validator.FieldLevel) bool {
			return siteDomainPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateStruct runs struct tag validation and flattens failures into one
// error listing "field: tag" pairs.
func ValidateStruct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}
