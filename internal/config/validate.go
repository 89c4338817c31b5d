package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"bluetooth-sched/internal/task"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string // dotted key, e.g. "loop.tick_interval"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting of a Config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks c and returns ValidationErrors listing every problem.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		var fes validator.ValidationErrors
		if !errors.As(err, &fes) {
			return err
		}
		for _, fe := range fes {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Value:   fe.Value(),
				Message: message(fe),
			})
		}
	}

	for name := range c.Tasks.Kinds {
		if _, err := task.ParseKind(name); err != nil {
			errs = append(errs, ValidationError{
				Field:   "tasks.kinds." + name,
				Value:   name,
				Message: "unknown task kind",
			})
		}
	}
	if c.Reconnect.Enabled && c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, ValidationError{
			Field:   "reconnect.max_delay",
			Value:   c.Reconnect.MaxDelay,
			Message: "must not be shorter than base_delay",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath turns "Config.tasks.kinds[read].priority" into
// "tasks.kinds.read.priority".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	rest = strings.ReplaceAll(rest, "[", ".")
	return strings.ReplaceAll(rest, "]", "")
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gtefield":
		return "must not be less than " + fe.Param()
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	default:
		return "failed " + fe.Tag() + " check"
	}
}
