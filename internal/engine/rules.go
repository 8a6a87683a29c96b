package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
	"github.com/stackhaven/warden/internal/validation"
)

// RuleRequest is the wire form of one rule to create. PortType selects the
// port specification variant; a RANGE expands to one stored rule per port.
type RuleRequest struct {
	Action    string `json:"action"`
	Direction string `json:"direction"`
	Priority  int    `json:"priority"`
	Protocol  string `json:"protocol"`
	PortType  string `json:"portType,omitempty"`
	PortValue string `json:"portValue,omitempty"`
	SrcIP     string `json:"srcIp,omitempty"`
	SrcMask   string `json:"srcMask,omitempty"`
	DstIP     string `json:"dstIp,omitempty"`
	DstMask   string `json:"dstMask,omitempty"`
	State     string `json:"state,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// buildRules validates the request and expands its port spec into concrete
// rules for the filter. Validation rejects, never clamps. Action, direction
// and protocol are accepted in any casing but stored canonical lowercase;
// the optimizer's selector keys and the nftables driver match on lowercase.
func buildRules(filterID string, req RuleRequest) ([]policy.Rule, error) {
	req.Action = strings.ToLower(req.Action)
	req.Direction = strings.ToLower(req.Direction)
	req.Protocol = strings.ToLower(req.Protocol)

	if err := validation.ValidateAction(req.Action); err != nil {
		return nil, &ValidationError{Field: "action", Message: err.Error()}
	}
	if err := validation.ValidateDirection(req.Direction); err != nil {
		return nil, &ValidationError{Field: "direction", Message: err.Error()}
	}
	if err := validation.ValidateProtocol(req.Protocol); err != nil {
		return nil, &ValidationError{Field: "protocol", Message: err.Error()}
	}
	if err := validation.ValidatePriority(req.Priority); err != nil {
		return nil, &ValidationError{Field: "priority", Message: err.Error()}
	}
	for field, ip := range map[string]string{"srcIp": req.SrcIP, "dstIp": req.DstIP} {
		if ip == "" {
			continue
		}
		if err := validation.ValidateCIDR(ip); err != nil {
			return nil, &ValidationError{Field: field, Message: err.Error()}
		}
	}

	ports := []policy.PortDescriptor{{All: true}}
	if req.PortType != "" {
		spec, err := policy.ParsePortSpec(req.PortType, req.PortValue)
		if err != nil {
			return nil, &ValidationError{Field: "port", Message: err.Error()}
		}
		ports, err = spec.Expand()
		if err != nil {
			return nil, &ValidationError{Field: "port", Message: err.Error()}
		}
	}

	rules := make([]policy.Rule, 0, len(ports))
	for _, p := range ports {
		r := policy.Rule{
			FilterID:  filterID,
			Action:    policy.Action(req.Action),
			Direction: policy.Direction(req.Direction),
			Priority:  req.Priority,
			Protocol:  req.Protocol,
			SrcIP:     req.SrcIP,
			SrcMask:   req.SrcMask,
			DstIP:     req.DstIP,
			DstMask:   req.DstMask,
			State:     req.State,
			Comment:   req.Comment,
		}
		if !p.All {
			r.DstPortStart = p.Port
			r.DstPortEnd = p.Port
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// CreateAdvancedFirewallRule adds one rule request (possibly expanding to
// several stored rules) to the machine's filter, creating the filter lazily.
// The returned resolved set is read inside the same transaction that wrote
// the rules.
func (e *Engine) CreateAdvancedFirewallRule(ctx context.Context, caller Caller, machineID string, req RuleRequest) (*MutationResult, error) {
	return e.AddRules(ctx, caller, machineID, []RuleRequest{req})
}

// CreatePortRangeRule is the convenience form for a contiguous port range.
func (e *Engine) CreatePortRangeRule(ctx context.Context, caller Caller, machineID string, req RuleRequest, start, end int) (*MutationResult, error) {
	if err := validation.ValidatePortRange(start, end); err != nil {
		return nil, &ValidationError{Field: "port", Message: err.Error()}
	}
	req.PortType = string(policy.PortSpecRange)
	req.PortValue = fmt.Sprintf("%d-%d", start, end)
	return e.AddRules(ctx, caller, machineID, []RuleRequest{req})
}

// AddRules adds a batch of rule requests atomically: either every expanded
// rule commits or none do.
func (e *Engine) AddRules(ctx context.Context, caller Caller, machineID string, reqs []RuleRequest) (*MutationResult, error) {
	if len(reqs) == 0 {
		return nil, &ValidationError{Field: "rules", Message: "no rules given"}
	}

	var (
		filter *policy.Filter
		owner  string
		result MutationResult
	)
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}
		owner = m.OwnerID
		filter, err = e.ensureMachineFilter(tx, m)
		if err != nil {
			return err
		}

		for _, req := range reqs {
			rules, err := buildRules(filter.ID, req)
			if err != nil {
				return err
			}
			for i := range rules {
				if err := tx.CreateRule(&rules[i]); err != nil {
					return err
				}
				result.RuleIDs = append(result.RuleIDs, rules[i].ID)
			}
		}

		result.Resolved, err = e.resolveTimed(tx, filter.ID)
		if err != nil {
			return err
		}
		return e.effectiveState(tx, filter.ID, &result)
	})
	e.metrics.RecordMutation("add_rules", err)
	if err != nil {
		return nil, err
	}

	result.MachineID = machineID
	result.FilterID = filter.ID
	result.ServiceErrors = e.syncer.Flush(ctx, filter, machineID, result.Resolved)
	e.markSynced(&result)
	e.notifySyncDegraded(owner, machineID, result.ServiceErrors)

	e.hub.Publish(events.Event{
		Type:   events.EventRuleAdded,
		Source: "engine",
		Data: events.RuleData{
			FilterID:  filter.ID,
			MachineID: machineID,
			RuleCount: len(result.RuleIDs),
		},
	})
	return &result, nil
}

// RemoveRule deletes one rule from the machine's filter. The rule must belong
// to that filter; rules inherited from templates or the department are not
// removable here.
func (e *Engine) RemoveRule(ctx context.Context, caller Caller, machineID, ruleID string) (*MutationResult, error) {
	var (
		filter *policy.Filter
		owner  string
		result MutationResult
	)
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}
		owner = m.OwnerID
		if m.FilterID == "" {
			return ErrNotFoundOrDenied
		}
		filter, err = tx.FilterByID(m.FilterID)
		if err != nil {
			return err
		}

		rule, err := tx.RuleByID(ruleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFoundOrDenied
			}
			return err
		}
		if rule.FilterID != filter.ID {
			return ErrNotFoundOrDenied
		}
		if err := tx.DeleteRule(ruleID); err != nil {
			return err
		}

		result.Resolved, err = e.resolveTimed(tx, filter.ID)
		if err != nil {
			return err
		}
		return e.effectiveState(tx, filter.ID, &result)
	})
	e.metrics.RecordMutation("remove_rule", err)
	if err != nil {
		return nil, err
	}

	result.MachineID = machineID
	result.FilterID = filter.ID
	result.ServiceErrors = e.syncer.Flush(ctx, filter, machineID, result.Resolved)
	e.markSynced(&result)
	e.notifySyncDegraded(owner, machineID, result.ServiceErrors)

	e.hub.Publish(events.Event{
		Type:   events.EventRuleRemoved,
		Source: "engine",
		Data:   events.RuleData{FilterID: filter.ID, MachineID: machineID, RuleID: ruleID},
	})
	return &result, nil
}
