package api

import (
	"net/http"

	"github.com/stackhaven/warden/internal/engine"
)

// --- Departments ---

func (s *Server) handleCreateDepartment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	d, err := s.engine.CreateDepartment(r.Context(), callerFrom(r), req.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDepartmentState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.GetDepartmentState(r.Context(), callerFrom(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

func (s *Server) handleDepartmentRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.GetDepartmentRules(r.Context(), callerFrom(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAddDepartmentRule(w http.ResponseWriter, r *http.Request) {
	var req engine.RuleRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.engine.AddDepartmentRule(r.Context(), callerFrom(r), r.PathValue("id"), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleFlushDepartment(w http.ResponseWriter, r *http.Request) {
	svcErrs, err := s.engine.FlushToAllVMs(r.Context(), callerFrom(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"serviceErrors": svcErrs})
}

// --- Templates ---

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string               `json:"name"`
		Rules []engine.RuleRequest `json:"rules,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	tpl, err := s.engine.CreateTemplate(r.Context(), callerFrom(r), req.Name, req.Rules)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.engine.ListTemplates(r.Context(), callerFrom(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, templates)
}

func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ApplyTemplate(r.Context(), callerFrom(r),
		r.PathValue("templateId"), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveTemplate(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RemoveTemplate(r.Context(), callerFrom(r),
		r.PathValue("templateId"), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// --- Machines ---

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		OwnerID      string `json:"ownerId"`
		DepartmentID string `json:"departmentId"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	m, err := s.engine.CreateMachine(r.Context(), callerFrom(r), req.Name, req.OwnerID, req.DepartmentID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, m)
}

func (s *Server) handleEffectiveRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.EffectiveRules(r.Context(), callerFrom(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleOwnRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.MachineRules(r.Context(), callerFrom(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req engine.RuleRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.engine.CreateAdvancedFirewallRule(r.Context(), callerFrom(r), r.PathValue("id"), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules []engine.RuleRequest `json:"rules"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.engine.AddRules(r.Context(), callerFrom(r), r.PathValue("id"), req.Rules)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddRangeRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		engine.RuleRequest
		Start int `json:"start"`
		End   int `json:"end"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.engine.CreatePortRangeRule(r.Context(), callerFrom(r), r.PathValue("id"),
		req.RuleRequest, req.Start, req.End)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RemoveRule(r.Context(), callerFrom(r),
		r.PathValue("id"), r.PathValue("ruleId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// --- Optimizer ---

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.engine.AnalyzeMachine(r.Context(), callerFrom(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, analysis)
}

// handleOptimize applies the optimized set and syncs it unless the caller
// asks for a dry run.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy,omitempty"`
		DryRun   bool   `json:"dryRun,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, svcErrs, err := s.engine.OptimizeMachine(r.Context(), callerFrom(r), r.PathValue("id"), req.Strategy, !req.DryRun)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"result":        res,
		"serviceErrors": svcErrs,
	})
}

// --- Backups ---

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description,omitempty"`
		Format      string `json:"format,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	backup, err := s.engine.BackupMachine(r.Context(), callerFrom(r), r.PathValue("id"), req.Description, req.Format)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, backup)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.engine.ListBackups(r.Context(), callerFrom(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, backups)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.engine.RestoreBackup(r.Context(), callerFrom(r),
		r.PathValue("id"), r.PathValue("backupId"), req.Mode)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
