package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/config"
)

// ConfigHandler serves the effective configuration with secrets masked.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// Get handles GET /_/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.cfg.Redacted())
}

// Maintenance exposes the maintenance flag.
type Maintenance interface {
	Maintenance() bool
	SetMaintenance(enabled bool)
}

type MaintenanceHandler struct {
	target Maintenance
}

func NewMaintenanceHandler(target Maintenance) *MaintenanceHandler {
	return &MaintenanceHandler{target: target}
}

// Get handles GET /_/maintenance.
func (h *MaintenanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]bool{"enabled": h.target.Maintenance()})
}

// Set handles POST /_/maintenance with a body of {"enabled": bool}.
func (h *MaintenanceHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil || req.Enabled == nil {
		Error(w, apierror.New(apierror.KindParameterParse, `Expected {"enabled": true|false}`))
		return
	}
	h.target.SetMaintenance(*req.Enabled)
	JSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}
