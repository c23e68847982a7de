package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// validate is the shared validator instance. Struct tags on runner
// config types ("required", "oneof=...", "min", "max") are the
// per-subtype parameter schemas.
var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeConfig converts a node's raw configuration map into a typed
// struct via a JSON round-trip, then validates it. Both failure modes
// come back as *Error with kind invalid_configuration so runner entry
// and compile-time validation report identically.
func DecodeConfig(config map[string]any, into any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return Errf(KindInvalidConfiguration, "unencodable configuration: %v", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return Errf(KindInvalidConfiguration, "configuration does not match schema: %v", err)
	}
	if err := validate.Struct(into); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			v := verrs[0]
			return Errf(KindInvalidConfiguration, "field %s fails %q", v.Field(), v.Tag())
		}
		return Errf(KindInvalidConfiguration, "%v", err)
	}
	return nil
}

// ParseDuration parses Go duration syntax extended with day and week
// units ("90s", "1h30m", "2d", "1w"), for human-edited node
// configurations.
func ParseDuration(s string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
