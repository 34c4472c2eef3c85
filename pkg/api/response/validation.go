package response

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ValidationError writes a 400 with one detail entry per rejected field.
// Errors that are not validator.ValidationErrors are reported as-is.
func ValidationError(w http.ResponseWriter, err error, requestID string) {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		Error(w, http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), requestID)
		return
	}

	details := make(map[string]any, len(fieldErrors))
	for _, fe := range fieldErrors {
		details[fe.Field()] = fieldMessage(fe)
	}
	ErrorWithDetails(w, http.StatusBadRequest, ErrCodeValidationFailed, "invalid query parameters", details, requestID)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
