package broker

import (
	"encoding/json"
	"net/http"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/types"
	"github.com/jinzhu/gorm"
)

// Handler exposes the broker over HTTP. Environment and app ids are ARM
// resource paths full of slashes, so they travel as query parameters.
func Handler(b *Broker, logger lager.Logger) http.Handler {
	lsession := logger.Session("http")
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/certificates", func(w http.ResponseWriter, r *http.Request) {
		var request types.AddCertificateRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		handle, err := b.IssueCertificate(r.Context(), request)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, handle)
	})

	mux.HandleFunc("POST /v1/dns-suffixes", func(w http.ResponseWriter, r *http.Request) {
		var request types.AddDnsSuffixRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		handle, err := b.AddDnsSuffix(r.Context(), request)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, handle)
	})

	mux.HandleFunc("GET /v1/operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		operation, err := b.LastOperation(r.Context(), r.PathValue("id"))
		if err != nil {
			if gorm.IsRecordNotFoundError(err) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			lsession.Error("last-operation-failure", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, operation)
	})

	mux.HandleFunc("GET /v1/environments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.ListManagedEnvironments(r.Context()))
	})

	mux.HandleFunc("GET /v1/container-apps", func(w http.ResponseWriter, r *http.Request) {
		environmentId := r.URL.Query().Get("environment")
		writeJSON(w, http.StatusOK, b.ListContainerApps(r.Context(), environmentId))
	})

	mux.HandleFunc("GET /v1/certificates", func(w http.ResponseWriter, r *http.Request) {
		environmentId := r.URL.Query().Get("environment")
		writeJSON(w, http.StatusOK, b.ListCertificates(r.Context(), environmentId))
	})

	mux.HandleFunc("GET /v1/dns-zones", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.ListDnsZones(r.Context()))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
