// Package policy holds the firewall policy data model and the pure
// computations over it: reference-graph resolution, port spec expansion and
// rule-set optimization. It has no persistence or enforcement dependencies;
// callers supply a View over stored entities.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// FilterKind classifies a filter by its owner.
type FilterKind string

const (
	// KindTemplate is a reusable generic template filter owned by nobody.
	KindTemplate FilterKind = "generic-template"
	// KindDepartment is the single filter attached to a department.
	KindDepartment FilterKind = "department"
	// KindVM is the single filter attached to a machine, created lazily on
	// its first custom rule.
	KindVM FilterKind = "vm"
)

// Action is the verdict a rule applies to matching traffic.
type Action string

const (
	ActionAccept Action = "accept"
	ActionDrop   Action = "drop"
	ActionReject Action = "reject"
)

// Direction is the traffic direction a rule matches.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Filter is a named policy object holding rules and references to other
// filters whose rules it inherits.
type Filter struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	InternalName    string     `json:"internalName"`
	EnforcementUUID string     `json:"enforcementUuid,omitempty"`
	Kind            FilterKind `json:"kind"`
	Chain           string     `json:"chain,omitempty"`
	Priority        int        `json:"priority"`
	StateMatch      bool       `json:"stateMatch"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Rule is a single match+action entry owned by exactly one filter.
// Priority orders rules ascending; lower values are evaluated earlier by the
// enforcement layer and therefore take precedence.
type Rule struct {
	ID        string    `json:"id"`
	FilterID  string    `json:"filterId"`
	Action    Action    `json:"action"`
	Direction Direction `json:"direction"`
	Priority  int       `json:"priority"`
	Protocol  string    `json:"protocol"`

	// Port matching. Zero means "no port constraint"; a single-port rule has
	// DstPortStart == DstPortEnd.
	DstPortStart int `json:"dstPortStart,omitempty"`
	DstPortEnd   int `json:"dstPortEnd,omitempty"`
	SrcPortStart int `json:"srcPortStart,omitempty"`
	SrcPortEnd   int `json:"srcPortEnd,omitempty"`

	SrcIP   string `json:"srcIp,omitempty"`
	SrcMask string `json:"srcMask,omitempty"`
	DstIP   string `json:"dstIp,omitempty"`
	DstMask string `json:"dstMask,omitempty"`

	State   string `json:"state,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// FilterReference is a directed "inherits from" edge between two filters.
type FilterReference struct {
	SourceFilterID string `json:"sourceFilterId"`
	TargetFilterID string `json:"targetFilterId"`
}

// Department owns at most one department-kind filter. Every machine belongs
// to a department.
type Department struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FilterID string `json:"filterId,omitempty"`
}

// Machine is a VM owned by a user within a department. Its vm-kind filter is
// created lazily on the first custom rule.
type Machine struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OwnerID      string `json:"ownerId"`
	DepartmentID string `json:"departmentId"`
	FilterID     string `json:"filterId,omitempty"`
}

// SelectorKey identifies what traffic a rule matches, ignoring its action and
// priority. Two rules with equal selector keys but different actions are a
// conflict; with equal actions they are exact duplicates.
func (r *Rule) SelectorKey() string {
	return fmt.Sprintf("%s|%s|%d-%d|%d-%d|%s/%s|%s/%s|%s",
		strings.ToLower(r.Protocol), strings.ToLower(string(r.Direction)),
		r.DstPortStart, r.DstPortEnd,
		r.SrcPortStart, r.SrcPortEnd,
		r.SrcIP, r.SrcMask, r.DstIP, r.DstMask,
		r.State)
}

// IsSinglePort reports whether the rule matches exactly one destination port.
func (r *Rule) IsSinglePort() bool {
	return r.DstPortStart != 0 && r.DstPortStart == r.DstPortEnd
}

// Describe renders a compact one-line form, used in diffs and logs.
func (r *Rule) Describe() string {
	port := "any"
	switch {
	case r.IsSinglePort():
		port = fmt.Sprintf("%d", r.DstPortStart)
	case r.DstPortStart != 0:
		port = fmt.Sprintf("%d-%d", r.DstPortStart, r.DstPortEnd)
	}
	return fmt.Sprintf("%4d %s %s %s dport=%s", r.Priority, r.Action, r.Direction, strings.ToLower(r.Protocol), port)
}
