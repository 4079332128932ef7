package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/adapters/server/common"
	"github.com/hylla/outreach/internal/tracking"
)

// beaconTimeout bounds signal recording for one beacon hit.
const beaconTimeout = 5 * time.Second

// transparentGIF is a 1x1 transparent GIF89a.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// trackingHandler serves the public open and click beacons. Responses never
// depend on whether the token exists.
type trackingHandler struct {
	signals common.SignalRecorder
	signer  *tracking.Signer
	logger  Logger
}

// serveOpen serves GET `/t/o/{token}` with a pixel.
func (h *trackingHandler) serveOpen(w http.ResponseWriter, r *http.Request) {
	h.record(r, "open")
	writePixel(w)
}

// serveClick serves GET `/t/c/{token}?u=<target>&s=<signature>`. It redirects
// only to http(s) targets signed for this token; anything else gets the pixel.
func (h *trackingHandler) serveClick(w http.ResponseWriter, r *http.Request) {
	h.record(r, "click")
	q := r.URL.Query()
	target, ok := tracking.RedirectTarget(q.Get("u"))
	if ok && h.signer.Verify(strings.TrimSpace(r.PathValue("token")), q.Get("u"), q.Get("s")) {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if q.Get("u") != "" {
		h.logger.Debug("click target rejected", "signed", q.Get("s") != "")
	}
	writePixel(w)
}

func (h *trackingHandler) record(r *http.Request, signal string) {
	token := strings.TrimSpace(r.PathValue("token"))
	// A client hanging up mid-request must not drop the signal.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), beaconTimeout)
	defer cancel()
	res, err := h.signals.RecordSignal(ctx, common.SignalRequest{Token: token, Type: signal})
	if err != nil {
		h.logger.Warn("beacon signal failed", "signal", signal, "err", err)
		return
	}
	if res.Applied {
		h.logger.Debug("beacon signal applied", "signal", signal, "to", res.To, "alerted", res.Alerted)
	}
}

func writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(transparentGIF)
}
