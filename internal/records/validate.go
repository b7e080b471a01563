package records

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	personNameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z \-]*$`)
	mobileRE     = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	licenseRE    = regexp.MustCompile(`^[A-Z0-9-]+$`)
)

// emailRE accepts plain ASCII addresses only; quoted local parts and IDN domains are refused.
var emailRE = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	regexTag := func(re *regexp.Regexp) validator.Func {
		return func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		}
	}
	// registration only fails for empty tags or nil funcs
	_ = v.RegisterValidation("personname", regexTag(personNameRE))
	_ = v.RegisterValidation("mobile", regexTag(mobileRE))
	_ = v.RegisterValidation("license", regexTag(licenseRE))
	_ = v.RegisterValidation("emailaddr", regexTag(emailRE))
	return v
}

// describe renders validation failures as "field: rule" pairs without echoing values.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return strings.Join(parts, "; ")
}
