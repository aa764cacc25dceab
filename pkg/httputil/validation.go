package httputil

import (
	"context"
	stderrors "errors"

	"github.com/go-playground/validator/v10"

	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/i18n"
)

var validate = validator.New()

// Validate validates a struct using go-playground/validator. Field messages
// are localized with the request locale.
func Validate(ctx context.Context, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return errors.BadRequest(err.Error())
	}

	localizer := i18n.LocalizerFromContext(ctx)
	details := make(map[string]string, len(validationErrors))
	for _, e := range validationErrors {
		details[e.Field()] = formatValidationError(localizer, e)
	}

	return errors.Validation(details)
}

func formatValidationError(l *i18n.Localizer, e validator.FieldError) string {
	params := map[string]string{"param": e.Param()}
	switch e.Tag() {
	case "required", "min", "gt", "oneof", "uuid":
		return l.T("validation."+e.Tag(), params)
	default:
		return l.T("validation.invalid")
	}
}
