package handlers

import (
	"errors"
	"net/http"

	"github.com/jason-s-yu/pig/internal/models"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

// PingHandler answers health checks.
func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// NamespaceResetHandler removes a whole match namespace (?ns=, default
// pigGame). Connected participants see their state vanish and start over.
func NamespaceResetHandler(logger *logrus.Logger, backend store.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ns := models.Namespace(r.URL.Query().Get("ns"))
		if ns == "" {
			ns = models.DefaultNamespace
		}
		err := backend.Remove(r.Context(), ns.Root())
		if errors.Is(err, store.ErrInvalidPath) {
			http.Error(w, "invalid namespace", http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.WithError(err).WithField("namespace", ns).Error("namespace reset failed")
			http.Error(w, "reset failed", http.StatusInternalServerError)
			return
		}

		logger.WithField("namespace", ns).Warn("namespace reset by operator")
		w.WriteHeader(http.StatusNoContent)
	}
}
