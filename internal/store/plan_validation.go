package store

import (
	"regexp"
	"strings"
)

// NormalizePlan trims plan fields and lowercases the trigger type.
func NormalizePlan(p Plan) Plan {
	p.Name = strings.TrimSpace(p.Name)
	p.Regex = strings.TrimSpace(p.Regex)
	p.OrgTemplate = strings.TrimSpace(p.OrgTemplate)
	p.Trigger = TriggerType(strings.ToLower(strings.TrimSpace(string(p.Trigger))))
	if p.ConcurrencyLimit == 0 {
		p.ConcurrencyLimit = 1
	}
	return p
}

// ValidatePlan returns validation errors for a plan.
func ValidatePlan(p Plan) []string {
	var errs []string
	if p.Name == "" {
		errs = append(errs, "name required")
	}
	switch p.Trigger {
	case TriggerCommit, TriggerTag, TriggerSchedule, TriggerManual:
	default:
		errs = append(errs, "trigger must be commit|tag|schedule|manual")
	}
	if p.Regex == "" {
		errs = append(errs, "regex required")
	} else if _, err := regexp.Compile(p.Regex); err != nil {
		errs = append(errs, "regex invalid: "+err.Error())
	}
	if p.ConcurrencyLimit < 0 {
		errs = append(errs, "concurrency_limit must not be negative")
	}
	return errs
}
