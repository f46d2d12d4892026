package schema

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Entity names as they appear in PendingChange.EntityName and in log output.
const (
	EntitySchedule         = "schedule"
	EntityLegacySchedule   = "legacy_schedule"
	EntitySleepBlock       = "sleep_block"
	EntityLegacySleepBlock = "legacy_sleep_block"
	EntitySleepEntry       = "sleep_entry"
	EntityPendingChange    = "pending_change"
	EntityPreferences      = "preferences"
)

// Entity is implemented by every record the repository can stage.
type Entity interface {
	EntityName() string
	EntityID() string
	Validate() error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs the struct-tag rules and flattens validator output into
// a single readable error.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", strings.ToLower(fe.Field()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}
