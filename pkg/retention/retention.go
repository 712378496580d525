// Package retention models the keep-rules applied to past archives. Pruning
// itself is delegated to the archive backend; this package only decides
// whether pruning runs and with which arguments.
package retention

import "fmt"

// Policy is a set of keep-rules. A zero value for a rule disables it.
type Policy struct {
	WithinDays int `json:"withinDays"`
	Last       int `json:"last"`
	Daily      int `json:"daily"`
	Weekly     int `json:"weekly"`
	Monthly    int `json:"monthly"`
}

// Default returns the retention policy used when pruning is requested
// without explicit keep-rules.
func Default() Policy {
	return Policy{
		WithinDays: 14,
		Daily:      14,
		Weekly:     8,
		Monthly:    6,
	}
}

// Enabled reports whether any keep-rule is set.
func (p Policy) Enabled() bool {
	return p.WithinDays > 0 || p.Last > 0 || p.Daily > 0 || p.Weekly > 0 || p.Monthly > 0
}

// Args returns the archiver prune arguments for the policy.
func (p Policy) Args() []string {
	var args []string
	if p.WithinDays > 0 {
		args = append(args, fmt.Sprintf("--keep-within=%dd", p.WithinDays))
	}
	if p.Last > 0 {
		args = append(args, fmt.Sprintf("--keep-last=%d", p.Last))
	}
	if p.Daily > 0 {
		args = append(args, fmt.Sprintf("--keep-daily=%d", p.Daily))
	}
	if p.Weekly > 0 {
		args = append(args, fmt.Sprintf("--keep-weekly=%d", p.Weekly))
	}
	if p.Monthly > 0 {
		args = append(args, fmt.Sprintf("--keep-monthly=%d", p.Monthly))
	}
	return args
}

// String summarizes the policy for log output.
func (p Policy) String() string {
	if !p.Enabled() {
		return "disabled"
	}
	return fmt.Sprintf("within=%dd last=%d daily=%d weekly=%d monthly=%d",
		p.WithinDays, p.Last, p.Daily, p.Weekly, p.Monthly)
}
