package tripwire

import (
	"time"
)

// Trigger is a named, prioritized rule binding a condition tree to one or
// more function ids. Higher priority triggers are evaluated first; ties are
// broken by registration order. Mutation happens only through Registry
// methods.
type Trigger struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Priority   int            `json:"priority"`
	Active     bool           `json:"active"`
	Timeout    time.Duration  `json:"timeout,omitempty"`    // condition evaluation budget, 0 = none
	Conditions *ConditionTree `json:"conditions,omitempty"` // nil = always fires
	Functions  []string       `json:"functions"`
}

// Validate checks the trigger definition, including its condition tree.
func (t Trigger) Validate() error {
	if t.ID == "" {
		return validationError("trigger id is required")
	}
	if t.Timeout < 0 {
		return validationError("trigger %q: timeout cannot be negative", t.ID)
	}
	if len(t.Functions) == 0 {
		return validationError("trigger %q: at least one bound function is required", t.ID)
	}
	for _, fn := range t.Functions {
		if fn == "" {
			return validationError("trigger %q: bound function id cannot be empty", t.ID)
		}
	}
	if err := t.Conditions.Validate(); err != nil {
		return validationError("trigger %q: %v", t.ID, err)
	}
	return nil
}
