package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/versions"
)

// VersionRouter creates a new router for the version endpoint.
func VersionRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", getVersion)
	return r
}

// getVersion
//
//	@Summary		Get server version
//	@Description	Returns the build's version, commit, and platform
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	versionResponse
//	@Router			/version [get]
func getVersion(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(versionResponse{
		Version:   info.Version,
		Commit:    info.Commit,
		BuildDate: info.BuildDate,
		GoVersion: info.GoVersion,
		Platform:  info.Platform,
	})
	if err != nil {
		logger.Errorf("failed to encode version response: %v", err)
	}
}

// versionResponse represents the version of the server
type versionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}
