package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
	"github.com/stackhaven/warden/internal/validation"
)

// Restore modes.
const (
	RestoreReplaceAll = "replace_all"
	RestoreMerge      = "merge"
)

// backupRule is the wire form of one rule inside a backup payload. Ids are
// deliberately absent; restore assigns fresh ones.
type backupRule struct {
	Action       string `json:"action" yaml:"action"`
	Direction    string `json:"direction" yaml:"direction"`
	Priority     int    `json:"priority" yaml:"priority"`
	Protocol     string `json:"protocol" yaml:"protocol"`
	DstPortStart int    `json:"dstPortStart,omitempty" yaml:"dst_port_start,omitempty"`
	DstPortEnd   int    `json:"dstPortEnd,omitempty" yaml:"dst_port_end,omitempty"`
	SrcPortStart int    `json:"srcPortStart,omitempty" yaml:"src_port_start,omitempty"`
	SrcPortEnd   int    `json:"srcPortEnd,omitempty" yaml:"src_port_end,omitempty"`
	SrcIP        string `json:"srcIp,omitempty" yaml:"src_ip,omitempty"`
	SrcMask      string `json:"srcMask,omitempty" yaml:"src_mask,omitempty"`
	DstIP        string `json:"dstIp,omitempty" yaml:"dst_ip,omitempty"`
	DstMask      string `json:"dstMask,omitempty" yaml:"dst_mask,omitempty"`
	State        string `json:"state,omitempty" yaml:"state,omitempty"`
	Comment      string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

type backupPayload struct {
	Version   int          `json:"version" yaml:"version"`
	MachineID string       `json:"machineId" yaml:"machine_id"`
	Rules     []backupRule `json:"rules" yaml:"rules"`
}

const backupVersion = 1

// RestoreResult extends a mutation result with the rules that could not be
// restored. A partially restorable backup still restores everything valid.
type RestoreResult struct {
	MutationResult
	Restored int      `json:"restored"`
	Skipped  []string `json:"skipped,omitempty"`
}

func toBackupRule(r policy.Rule) backupRule {
	return backupRule{
		Action:       string(r.Action),
		Direction:    string(r.Direction),
		Priority:     r.Priority,
		Protocol:     r.Protocol,
		DstPortStart: r.DstPortStart,
		DstPortEnd:   r.DstPortEnd,
		SrcPortStart: r.SrcPortStart,
		SrcPortEnd:   r.SrcPortEnd,
		SrcIP:        r.SrcIP,
		SrcMask:      r.SrcMask,
		DstIP:        r.DstIP,
		DstMask:      r.DstMask,
		State:        r.State,
		Comment:      r.Comment,
	}
}

// validateBackupRule checks one payload rule and converts it. Port values go
// through the same never-clamp validation as live rule creation, and casing
// is normalized the same way so a hand-edited payload restores canonically.
func validateBackupRule(filterID string, br backupRule) (policy.Rule, error) {
	br.Action = strings.ToLower(br.Action)
	br.Direction = strings.ToLower(br.Direction)
	br.Protocol = strings.ToLower(br.Protocol)

	if err := validation.ValidateAction(br.Action); err != nil {
		return policy.Rule{}, err
	}
	if err := validation.ValidateDirection(br.Direction); err != nil {
		return policy.Rule{}, err
	}
	if err := validation.ValidateProtocol(br.Protocol); err != nil {
		return policy.Rule{}, err
	}
	if err := validation.ValidatePriority(br.Priority); err != nil {
		return policy.Rule{}, err
	}
	if br.DstPortStart != 0 {
		end := br.DstPortEnd
		if end == 0 {
			end = br.DstPortStart
		}
		if err := validation.ValidatePortRange(br.DstPortStart, end); err != nil {
			return policy.Rule{}, err
		}
	}

	return policy.Rule{
		FilterID:     filterID,
		Action:       policy.Action(br.Action),
		Direction:    policy.Direction(br.Direction),
		Priority:     br.Priority,
		Protocol:     br.Protocol,
		DstPortStart: br.DstPortStart,
		DstPortEnd:   br.DstPortEnd,
		SrcPortStart: br.SrcPortStart,
		SrcPortEnd:   br.SrcPortEnd,
		SrcIP:        br.SrcIP,
		SrcMask:      br.SrcMask,
		DstIP:        br.DstIP,
		DstMask:      br.DstMask,
		State:        br.State,
		Comment:      br.Comment,
	}, nil
}

func marshalPayload(p backupPayload, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(p)
	case "json", "":
		return json.MarshalIndent(p, "", "  ")
	}
	return nil, &ValidationError{Field: "format", Message: fmt.Sprintf("unknown backup format %q", format)}
}

func unmarshalPayload(data []byte, format string) (backupPayload, error) {
	var p backupPayload
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &p)
	default:
		err = json.Unmarshal(data, &p)
	}
	return p, err
}

// BackupMachine snapshots the machine's own (vm filter) rules into a stored
// backup. Inherited department and template rules are not part of the
// snapshot; they restore through the graph, not the backup.
func (e *Engine) BackupMachine(ctx context.Context, caller Caller, machineID, description, format string) (*store.Backup, error) {
	if format == "" {
		format = "json"
	}

	var backup *store.Backup
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}

		payload := backupPayload{Version: backupVersion, MachineID: m.ID}
		if m.FilterID != "" {
			rules, err := tx.RulesOf(m.FilterID)
			if err != nil {
				return err
			}
			for _, r := range rules {
				payload.Rules = append(payload.Rules, toBackupRule(r))
			}
		}

		data, err := marshalPayload(payload, format)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)

		backup = &store.Backup{
			MachineID:   m.ID,
			Description: description,
			Format:      format,
			ConfigHash:  hex.EncodeToString(sum[:]),
			RuleCount:   len(payload.Rules),
			Payload:     data,
		}
		return tx.SaveBackup(backup)
	})
	e.metrics.RecordMutation("backup", err)
	if err != nil {
		return nil, err
	}

	e.metrics.BackupsCreated.Inc()
	e.hub.Publish(events.Event{
		Type:   events.EventBackupCreated,
		Source: "engine",
		Data:   events.BackupData{BackupID: backup.ID, MachineID: machineID, RuleCount: backup.RuleCount},
	})
	return backup, nil
}

// ListBackups returns the machine's backups, newest first.
func (e *Engine) ListBackups(ctx context.Context, caller Caller, machineID string) ([]store.Backup, error) {
	var out []store.Backup
	err := e.store.View(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}
		out, err = tx.BackupsOfMachine(m.ID)
		return err
	})
	return out, err
}

// RestoreBackup applies a stored backup to the machine's filter. replace_all
// wipes the filter's own rules first; merge keeps existing rules and skips
// exact duplicates from the backup. Rules that fail validation are skipped
// individually and reported; the rest restore.
func (e *Engine) RestoreBackup(ctx context.Context, caller Caller, machineID, backupID, mode string) (*RestoreResult, error) {
	if mode == "" {
		mode = RestoreReplaceAll
	}
	if mode != RestoreReplaceAll && mode != RestoreMerge {
		return nil, &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown restore mode %q", mode)}
	}

	var (
		filter *policy.Filter
		owner  string
		result RestoreResult
	)
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}
		owner = m.OwnerID

		backup, err := tx.BackupByID(backupID)
		if err != nil {
			return err
		}
		if backup.MachineID != m.ID {
			return ErrNotFoundOrDenied
		}

		sum := sha256.Sum256(backup.Payload)
		if hex.EncodeToString(sum[:]) != backup.ConfigHash {
			return fmt.Errorf("backup %s payload hash mismatch", backupID)
		}

		payload, err := unmarshalPayload(backup.Payload, backup.Format)
		if err != nil {
			return fmt.Errorf("backup %s payload: %w", backupID, err)
		}

		filter, err = e.ensureMachineFilter(tx, m)
		if err != nil {
			return err
		}

		existing := make(map[string]bool)
		if mode == RestoreReplaceAll {
			if _, err := tx.DeleteRulesOf(filter.ID); err != nil {
				return err
			}
		} else {
			current, err := tx.RulesOf(filter.ID)
			if err != nil {
				return err
			}
			for _, r := range current {
				existing[r.SelectorKey()+"#"+string(r.Action)] = true
			}
		}

		for i, br := range payload.Rules {
			rule, err := validateBackupRule(filter.ID, br)
			if err != nil {
				result.Skipped = append(result.Skipped,
					fmt.Sprintf("rule %d: %v", i+1, err))
				continue
			}
			if mode == RestoreMerge && existing[rule.SelectorKey()+"#"+string(rule.Action)] {
				continue
			}
			if err := tx.CreateRule(&rule); err != nil {
				return err
			}
			existing[rule.SelectorKey()+"#"+string(rule.Action)] = true
			result.Restored++
		}

		result.Resolved, err = e.resolveTimed(tx, filter.ID)
		if err != nil {
			return err
		}
		return e.effectiveState(tx, filter.ID, &result.MutationResult)
	})
	e.metrics.RecordMutation("restore", err)
	if err != nil {
		return nil, err
	}

	result.MachineID = machineID
	result.FilterID = filter.ID
	result.ServiceErrors = e.syncer.Flush(ctx, filter, machineID, result.Resolved)
	e.markSynced(&result.MutationResult)
	e.notifySyncDegraded(owner, machineID, result.ServiceErrors)

	e.hub.Publish(events.Event{
		Type:   events.EventBackupRestored,
		Source: "engine",
		Data: events.BackupData{
			BackupID:  backupID,
			MachineID: machineID,
			RuleCount: result.Restored,
			Mode:      strings.ToLower(mode),
		},
	})
	return &result, nil
}
