package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rpattn/cvsync/internal/domain"
)

const maxBodyBytes = 1 << 20

var fieldMessages = map[string]string{
	"required": "%s is required",
	"max":      "%s must be at most %s characters",
	"min":      "%s must contain at least %s item(s)",
	"oneof":    "%s must be one of [%s]",
	"uuid":     "%s must be a UUID",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. Every failure wraps ErrInvalidArgument.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", domain.ErrInvalidArgument)
		}
		return fmt.Errorf("%w: invalid payload: %v", domain.ErrInvalidArgument, err)
	}
	return s.check(dst)
}

func (s *Server) check(dst any) error {
	err := s.validate.Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, fieldMessage(fe))
	}
	sort.Strings(messages)
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, strings.Join(messages, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	msg, ok := fieldMessages[fe.Tag()]
	if !ok {
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
	if strings.Count(msg, "%s") == 2 {
		return fmt.Sprintf(msg, fe.Field(), fe.Param())
	}
	return fmt.Sprintf(msg, fe.Field())
}
