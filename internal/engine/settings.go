package engine

import (
	"strings"

	"podlink/cli/internal/model"
)

// MergeSettings overlays every non-empty field, lowest priority first.
// Nil layers are skipped.
func MergeSettings(layers ...*model.EngineConnectorSettings) model.EngineConnectorSettings {
	var out model.EngineConnectorSettings
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		overlaySettings(&out, *layer)
	}
	return out
}

func overlaySettings(dst *model.EngineConnectorSettings, src model.EngineConnectorSettings) {
	setString(&dst.API.BaseURL, src.API.BaseURL)
	setString(&dst.API.Connection.URI, src.API.Connection.URI)
	setString(&dst.API.Connection.Relay, src.API.Connection.Relay)
	if src.API.AutoStart {
		dst.API.AutoStart = true
	}
	overlayProgram(&dst.Program, src.Program)
	if src.Controller != nil {
		if dst.Controller == nil {
			dst.Controller = &model.Controller{}
		}
		overlayProgram(&dst.Controller.Program, src.Controller.Program)
		setString(&dst.Controller.Scope, src.Controller.Scope)
	}
	if src.Rootfull {
		dst.Rootfull = true
	}
	setString(&dst.Mode, src.Mode)
}

func overlayProgram(dst *model.Program, src model.Program) {
	setString(&dst.Name, src.Name)
	setString(&dst.Path, src.Path)
	setString(&dst.Version, src.Version)
	setString(&dst.Title, src.Title)
	setString(&dst.Homepage, src.Homepage)
}

func setString(dst *string, src string) {
	if strings.TrimSpace(src) != "" {
		*dst = src
	}
}

func programPath(p model.Program) string {
	if strings.TrimSpace(p.Path) != "" {
		return p.Path
	}
	return p.Name
}

func controllerPath(s model.EngineConnectorSettings) string {
	if s.Controller == nil {
		return ""
	}
	return programPath(s.Controller.Program)
}

func controllerScope(s model.EngineConnectorSettings) string {
	if s.Controller == nil {
		return ""
	}
	return strings.TrimSpace(s.Controller.Scope)
}
