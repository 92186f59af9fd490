package tools

import (
	"context"
	"time"
)

// RegisterClock adds current_time to reg. A nil now uses time.Now.
func RegisterClock(reg *Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	return reg.Register(&Tool{
		Name:        "current_time",
		Description: "Get the current date and time.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			t := now()
			return t.Format("Monday, January 2, 2006 15:04:05 MST") + " (" + t.Format(time.RFC3339) + ")", nil
		},
	})
}
