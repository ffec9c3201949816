package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/report"
	"github.com/jamesruggles/spectra/internal/scanner"
	"github.com/jamesruggles/spectra/internal/tools"
	"github.com/jamesruggles/spectra/internal/worker"
)

var (
	scheduleTime = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	weekdays     = map[string]bool{
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
	}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, scanner.ErrScanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scanner.ErrScanFinished), errors.Is(err, scanner.ErrScanInFlight),
		errors.Is(err, database.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, report.ErrNoFont):
		status = http.StatusNotImplemented
	}
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// pathID splits "<id>[/<sub>]" off the request path after prefix.
func pathID(r *http.Request, prefix string) (int64, string, error) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("invalid id %q", parts[0])
	}
	sub := ""
	if len(parts) > 1 {
		sub = strings.Trim(parts[1], "/")
	}
	return id, sub, nil
}

func validateSchedule(s database.Schedule) error {
	if !s.Enabled {
		return nil
	}
	if !scheduleTime.MatchString(s.Time) {
		return fmt.Errorf("schedule time must be HH:MM")
	}
	switch s.Frequency {
	case database.FrequencyDaily:
	case database.FrequencyWeekly:
		if !weekdays[strings.ToLower(strings.TrimSpace(s.Day))] {
			return fmt.Errorf("weekly schedule needs a weekday name")
		}
	default:
		return fmt.Errorf("schedule frequency must be daily or weekly")
	}
	return nil
}

// --- Projects ---

// handleAPIProjects handles /api/projects (collection)
func (s *Server) handleAPIProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.db.ListProjects()
		if err != nil {
			writeErr(w, err)
			return
		}
		if projects == nil {
			projects = []database.Project{}
		}
		writeJSON(w, http.StatusOK, projects)

	case http.MethodPost:
		var p database.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if strings.TrimSpace(p.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := validateSchedule(p.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.Schedule.LastScheduledScan = nil
		if err := s.db.CreateProject(&p); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)

	default:
		methodNotAllowed(w)
	}
}

// handleAPIProject handles /api/projects/{id} and its sub-resources.
func (s *Server) handleAPIProject(w http.ResponseWriter, r *http.Request) {
	id, sub, err := pathID(r, "/api/projects/")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	switch sub {
	case "":
	case "scans":
		s.handleAPIProjectScans(w, r, id)
		return
	case "repositories":
		s.handleAPIProjectRepositories(w, r, id)
		return
	case "targets":
		s.handleAPIProjectTargets(w, r, id)
		return
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.db.GetProject(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodPut:
		var p database.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := validateSchedule(p.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.ID = id
		if err := s.db.UpdateProject(&p); err != nil {
			writeErr(w, err)
			return
		}
		updated, err := s.db.GetProject(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := s.db.DeleteProject(id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		methodNotAllowed(w)
	}
}

type triggerRequest struct {
	Kind string `json:"kind"`
	// Config overrides the project's default scan configuration.
	Config *database.ScanConfig `json:"config,omitempty"`
}

func (s *Server) handleAPIProjectScans(w http.ResponseWriter, r *http.Request, projectID int64) {
	switch r.Method {
	case http.MethodGet:
		scans, err := s.db.ListScansByProject(projectID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if scans == nil {
			scans = []database.Scan{}
		}
		writeJSON(w, http.StatusOK, scans)

	case http.MethodPost:
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if !database.ValidKind(req.Kind) {
			writeError(w, http.StatusBadRequest, "kind must be code, web or both")
			return
		}
		scan, err := s.executor.StartNew(projectID, req.Kind, req.Config)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, scan)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAPIProjectRepositories(w http.ResponseWriter, r *http.Request, projectID int64) {
	switch r.Method {
	case http.MethodGet:
		repos, err := s.db.ListRepositories(projectID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if repos == nil {
			repos = []database.Repository{}
		}
		writeJSON(w, http.StatusOK, repos)

	case http.MethodPost:
		var repo database.Repository
		if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		repo.URL = strings.TrimSpace(repo.URL)
		if err := tools.ValidateRepoURL(repo.URL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if repo.Name == "" {
			repo.Name = tools.RepoName(repo.URL)
		}
		if !s.projectExists(w, projectID) {
			return
		}
		repo.ProjectID = projectID
		if err := s.db.AddRepository(&repo); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, repo)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAPIProjectTargets(w http.ResponseWriter, r *http.Request, projectID int64) {
	switch r.Method {
	case http.MethodGet:
		targets, err := s.db.ListTargetURLs(projectID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if targets == nil {
			targets = []database.TargetURL{}
		}
		writeJSON(w, http.StatusOK, targets)

	case http.MethodPost:
		var t database.TargetURL
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		t.URL = strings.TrimSpace(t.URL)
		if err := tools.ValidateURL(t.URL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !s.projectExists(w, projectID) {
			return
		}
		t.ProjectID = projectID
		if err := s.db.AddTargetURL(&t); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) projectExists(w http.ResponseWriter, id int64) bool {
	p, err := s.db.GetProject(id)
	if err != nil {
		writeErr(w, err)
		return false
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return false
	}
	return true
}

func (s *Server) handleAPIRepository(w http.ResponseWriter, r *http.Request) {
	id, _, err := pathID(r, "/api/repositories/")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid repository id")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.db.DeleteRepository(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAPITarget(w http.ResponseWriter, r *http.Request) {
	id, _, err := pathID(r, "/api/targets/")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target id")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.db.DeleteTargetURL(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Scans ---

func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/api/scans/") == "recent" {
		limit := 10
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
			limit = v
		}
		scans, err := s.db.ListRecentScans(limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		if scans == nil {
			scans = []database.Scan{}
		}
		writeJSON(w, http.StatusOK, scans)
		return
	}

	id, sub, err := pathID(r, "/api/scans/")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}

	switch sub {
	case "":
		s.handleScanResource(w, r, id)
	case "findings":
		scan, err := s.db.GetScan(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if scan == nil {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		f, err := s.db.GetFindings(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case "trigger":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.executor.Trigger(id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": database.StatusRunning})
	case "report":
		s.handleScanReport(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleScanResource(w http.ResponseWriter, r *http.Request, id int64) {
	scan, err := s.db.GetScan(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if scan == nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, scan)

	case http.MethodDelete:
		// Running scans cannot be cancelled, so they cannot be deleted either.
		if !scan.IsTerminal() {
			writeError(w, http.StatusConflict, "scan is still "+scan.Status)
			return
		}
		if err := s.db.DeleteScan(id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleScanReport(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown":
		content, err := s.reports.GenerateMarkdown(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=scan-%d.md", id))
		w.Write([]byte(content))
	case "pdf":
		path, err := s.reports.SavePDF(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=scan-%d.pdf", id))
		http.ServeFile(w, r, path)
	default:
		writeError(w, http.StatusBadRequest, "format must be 'markdown' or 'pdf'")
	}
}

// --- Stats, settings, tools ---

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type settingsView struct {
	CompanyName    string `json:"company_name"`
	Language       string `json:"language"`
	GitHubTokenSet bool   `json:"github_token_set"`
}

type settingsUpdate struct {
	CompanyName string `json:"company_name"`
	Language    string `json:"language"`
	// GitHubToken left out keeps the stored token; an empty string clears it.
	GitHubToken *string `json:"github_token"`
}

func (s *Server) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.db.GetSettings()
	if err != nil {
		writeErr(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req settingsUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		current.CompanyName = req.CompanyName
		current.Language = req.Language
		if req.GitHubToken != nil {
			current.GitHubToken = strings.TrimSpace(*req.GitHubToken)
		}
		if err := s.db.UpdateSettings(current); err != nil {
			writeErr(w, err)
			return
		}
	default:
		methodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, settingsView{
		CompanyName:    current.CompanyName,
		Language:       current.Language,
		GitHubTokenSet: current.GitHubToken != "",
	})
}

func (s *Server) handleAPIToolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tools.DetectAll(s.cfg.Scanner.Binaries()))
}
