package storage

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/RackerWilliams/otter/pkg/types"
)

func validationErrorf(format string, args ...interface{}) error {
	return &types.ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ValidateGroupConfig checks the size and cooldown bounds of a group
// configuration.
func ValidateGroupConfig(config types.GroupConfig) error {
	if strings.TrimSpace(config.Name) == "" {
		return validationErrorf("group name must not be blank")
	}
	if config.Cooldown < 0 || config.Cooldown > types.MaxCooldown {
		return validationErrorf("group cooldown must be between 0 and %d seconds", types.MaxCooldown)
	}
	if config.MinEntities < 0 {
		return validationErrorf("minEntities must not be negative")
	}
	if config.MaxEntities > types.MaxEntities {
		return validationErrorf("maxEntities must not exceed %d", types.MaxEntities)
	}
	if config.MinEntities > config.MaxEntities {
		return validationErrorf("minEntities %d must not exceed maxEntities %d",
			config.MinEntities, config.MaxEntities)
	}
	return nil
}

// ValidatePolicy checks that a policy names exactly one capacity change and,
// for schedule policies, exactly one trigger specification.
func ValidatePolicy(p types.Policy) error {
	if strings.TrimSpace(p.Name) == "" {
		return validationErrorf("policy name must not be blank")
	}
	if p.Cooldown < 0 || p.Cooldown > types.MaxCooldown {
		return validationErrorf("policy cooldown must be between 0 and %d seconds", types.MaxCooldown)
	}

	set := 0
	if p.Change != nil {
		set++
		if *p.Change == 0 {
			return validationErrorf("change must not be zero")
		}
	}
	if p.ChangePercent != nil {
		set++
		if *p.ChangePercent == 0 {
			return validationErrorf("changePercent must not be zero")
		}
	}
	if p.DesiredCapacity != nil {
		set++
		if *p.DesiredCapacity < 0 {
			return validationErrorf("desiredCapacity must not be negative")
		}
	}
	if set != 1 {
		return validationErrorf("policy must set exactly one of change, changePercent, desiredCapacity")
	}

	switch p.Type {
	case types.PolicyWebhook:
		if p.Args != nil {
			return validationErrorf("webhook policies must not have args")
		}
	case types.PolicySchedule:
		if p.Args == nil {
			return validationErrorf("schedule policies must have args")
		}
		if (p.Args.At == nil) == (p.Args.Cron == "") {
			return validationErrorf("schedule args must set exactly one of at, cron")
		}
		if p.Args.Cron != "" {
			if _, err := cron.ParseStandard(p.Args.Cron); err != nil {
				return validationErrorf("invalid cron expression %q: %v", p.Args.Cron, err)
			}
		}
	default:
		return validationErrorf("policy type must be webhook or schedule")
	}
	return nil
}

// ValidateWebhook checks webhook user data and defaults missing metadata to
// an empty map so round trips are stable.
func ValidateWebhook(w *types.Webhook) error {
	if strings.TrimSpace(w.Name) == "" {
		return validationErrorf("webhook name must not be blank")
	}
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	return nil
}
