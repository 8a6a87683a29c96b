// Package enforce is the boundary to the hypervisor-level enforcement layer.
// The engine talks to a Driver; failures here are expected (network
// partition, hypervisor down) and must never corrupt committed policy data,
// so drivers report errors and the sync coordinator decides what to do with
// them.
package enforce

import (
	"context"
	"errors"

	"github.com/stackhaven/warden/internal/policy"
)

// ErrUnavailable indicates the enforcement layer could not be reached.
// The sync coordinator treats it as retryable.
var ErrUnavailable = errors.New("enforcement layer unavailable")

// Driver applies resolved policy to the enforcement layer.
type Driver interface {
	// CreateFilter creates the enforcement-side object for a filter and
	// returns its enforcement UUID.
	CreateFilter(ctx context.Context, name, description, chain string, kind policy.FilterKind) (string, error)

	// CreateRule pushes one rule into an enforcement filter and returns the
	// enforcement-side rule id.
	CreateRule(ctx context.Context, filterUUID string, r policy.Rule) (string, error)

	// DeleteRule removes one enforcement-side rule.
	DeleteRule(ctx context.Context, filterUUID, ruleID string) error

	// Flush replaces the filter's enforcement rule set with the given
	// resolved rules.
	Flush(ctx context.Context, filterUUID string, rules []policy.Rule) error
}
