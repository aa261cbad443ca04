package handlers

import (
	"encoding/json"
	"net/http"
)

// Build identity injected via -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionResponse identifies the engine build. Useful when diagnosing
// a mesh where devices run different releases.
type VersionResponse struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VersionResponse{
		Service:   "relaycrm-syncengine",
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	})
}
