package orchestrator

import (
	"context"

	"github.com/nidhogg/aide/internal/task"
)

// ProfileLookup reads a user profile field by name.
type ProfileLookup interface {
	ProfileValue(field string) string
}

// ProfileResolver fills missing params from the user profile. A missing
// "city" falls back to the profile location.
type ProfileResolver struct {
	Profile ProfileLookup
}

var profileAliases = map[string][]string{
	"city":      {"city", "location"},
	"location":  {"location", "city"},
	"recipient": {"email"},
	"to":        {"email"},
	"user_name": {"name", "nickname"},
}

// Resolve succeeds only when every missing key can be filled.
func (r ProfileResolver) Resolve(_ context.Context, _ *task.Task, missing map[string]string) (map[string]any, bool) {
	if r.Profile == nil || len(missing) == 0 {
		return nil, false
	}
	filled := make(map[string]any, len(missing))
	for key := range missing {
		fields, ok := profileAliases[key]
		if !ok {
			fields = []string{key}
		}
		for _, f := range fields {
			if v := r.Profile.ProfileValue(f); v != "" {
				filled[key] = v
				break
			}
		}
		if _, ok := filled[key]; !ok {
			return nil, false
		}
	}
	return filled, true
}
