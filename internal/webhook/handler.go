// ABOUTME: HTTP handlers for the webhook subscription handshake and deliveries
// ABOUTME: Deliveries are always acknowledged with 200 once the signature is accepted

package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/chatline/internal/metrics"
	"github.com/2389/chatline/internal/provider"
)

const (
	maxDeliveryBytes = 1 << 20
	deliveryTimeout  = 60 * time.Second
)

// HandleVerify serves GET /webhook.
func (r *Receiver) HandleVerify(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	challenge, ok := r.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		r.logger.Warn("webhook verification failed", "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	r.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// HandleDeliveryHTTP serves POST /webhook.
func (r *Receiver) HandleDeliveryHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxDeliveryBytes))
	if err != nil {
		r.logger.Warn("failed to read webhook body", "error", err)
		r.ignore("parse")
		w.WriteHeader(http.StatusOK)
		return
	}

	if !r.CheckSignature(body, req.Header.Get(provider.SignatureHeader)) {
		metrics.InboundFailures.WithLabelValues("signature").Inc()
		r.logger.Warn("rejecting webhook with invalid signature", "remote", req.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// The provider hanging up must not abort a half-processed delivery.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), deliveryTimeout)
	defer cancel()

	if _, err := r.HandleDelivery(ctx, body); err != nil {
		if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrMalformed) {
			r.logger.Debug("webhook delivery ignored", "error", err)
		} else {
			r.logger.Error("webhook delivery failed", "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}
