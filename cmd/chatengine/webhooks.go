package main

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"chatengine/internal/httputil"
	"chatengine/internal/logging"
	"chatengine/internal/metrics"
	"chatengine/internal/models"
	"chatengine/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

var webhookAck = map[string]string{"status": "ok"}

// handleWebhook always acknowledges with 200 so providers do not redeliver.
// Rejected and malformed deliveries are logged and counted instead.
func (s *Server) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		tenant := vars["tenant"]
		platform := models.Platform(strings.ToLower(vars["platform"]))
		log := logging.Session(s.logger, tenant, string(platform)).WithField(logging.LogFieldRemoteIP, httputil.GetClientIP(r))
		defer s.writeJSON(w, http.StatusOK, webhookAck)

		if err := validation.ValidateTenantID(tenant); err != nil {
			log.WithError(err).Warn("Dropping webhook with invalid tenant")
			return
		}
		if !platform.Valid() {
			log.Warn("Dropping webhook for unsupported platform")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
		body, err := verifySignature(r, webhookSecretFor(s.cfg, platform), signatureHeaderFor(platform))
		if err != nil {
			log.WithError(err).Warn("Rejected webhook: signature verification failed")
			metrics.RecordWebhookEvent(string(platform), "unverified", "rejected")
			return
		}

		res := s.engine.ProcessWebhook(r.Context(), tenant, platform, body)
		log.WithFields(logrus.Fields{
			"events":     res.Events,
			"created":    res.Created,
			"duplicates": res.Duplicates,
			"ignored":    res.Ignored,
			"failed":     res.Failed,
		}).Debug("Webhook processed")
	}
}

// handleWebhookVerification answers Meta's subscription handshake by echoing
// hub.challenge when hub.verify_token matches.
func (s *Server) handleWebhookVerification() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		token := q.Get("hub.verify_token")
		if q.Get("hub.mode") != "subscribe" || s.verifyToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.verifyToken)) != 1 {
			s.logger.WithField(logging.LogFieldRemoteIP, httputil.GetClientIP(r)).Warn("Webhook verification failed")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(q.Get("hub.challenge"))); err != nil {
			s.logger.WithError(err).Debug("Failed to write webhook challenge")
		}
	}
}
