package api

import (
	"crypto/subtle"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/RagingGuard/video-share/internal/connections"
)

const connectedAtLayout = "2006-01-02 15:04:05"

var errMonitorAuth = errors.New("authentication failed")

type updateStatusRequest struct {
	Video    string  `json:"video"`
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
}

// UpdateStatus records the caller's playback position. Reports from
// addresses the registry does not know are dropped but still succeed.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, decodeStatus(err), err)
		return
	}
	ip, _ := clientAddress(r)
	if !h.Connections.UpdateStatus(ip, req.Video, req.Position, req.Duration) {
		h.logger(r).Debug("status report from untracked client")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type connectionResponse struct {
	ClientIP      string  `json:"client_ip"`
	ClientPort    string  `json:"client_port"`
	ServerIP      string  `json:"server_ip"`
	Interface     string  `json:"interface"`
	Video         string  `json:"video"`
	Position      float64 `json:"position"`
	Duration      float64 `json:"duration"`
	BandwidthDown float64 `json:"bandwidth_down"`
	BandwidthUp   float64 `json:"bandwidth_up"`
	LastSeen      float64 `json:"last_seen"`
	ConnectedAt   string  `json:"connected_at"`
}

type monitorDataResponse struct {
	ActiveCount    int                         `json:"active_count"`
	TotalClients   int64                       `json:"total_clients"`
	MaxConnections int                         `json:"max_connections"`
	Connections    []connectionResponse        `json:"connections"`
	AccessURLs     []connections.AccessAddress `json:"access_urls"`
}

// newConnectionResponse projects a session for the monitor page. Bandwidth is
// reported in KB/s.
func newConnectionResponse(s connections.Session) connectionResponse {
	return connectionResponse{
		ClientIP:      s.ClientIP,
		ClientPort:    s.ClientPort,
		ServerIP:      s.ServerIP,
		Interface:     s.Interface,
		Video:         s.Video,
		Position:      s.Position,
		Duration:      s.Duration,
		BandwidthDown: kilobytes(s.BandwidthDown),
		BandwidthUp:   kilobytes(s.BandwidthUp),
		LastSeen:      unixSeconds(s.LastSeen),
		ConnectedAt:   s.ConnectedAt.Format(connectedAtLayout),
	}
}

func kilobytes(bytesPerSecond float64) float64 {
	return math.Round(bytesPerSecond/1024*100) / 100
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// MonitorData reports live sessions and the URLs the server is reachable on.
func (h *Handler) MonitorData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if !h.authorizeMonitor(w, r) {
		return
	}

	sessions := h.Connections.Snapshot()
	resp := monitorDataResponse{
		ActiveCount:    len(sessions),
		TotalClients:   h.Connections.TotalTracked(),
		MaxConnections: h.Connections.Max(),
		Connections:    make([]connectionResponse, 0, len(sessions)),
		AccessURLs:     []connections.AccessAddress{},
	}
	for _, s := range sessions {
		resp.Connections = append(resp.Connections, newConnectionResponse(s))
	}
	if h.Interfaces != nil {
		resp.AccessURLs = h.Interfaces.AccessAddresses(h.Port)
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorizeMonitor enforces HTTP basic auth when both operator credentials
// are configured. It writes the 401 itself and reports whether to continue.
func (h *Handler) authorizeMonitor(w http.ResponseWriter, r *http.Request) bool {
	if h.MonitorUsername == "" || h.MonitorPassword == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if ok {
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.MonitorUsername)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.MonitorPassword)) == 1
		if userOK && passOK {
			return true
		}
	}
	h.logger(r).Warn("monitor authentication failed")
	w.Header().Set("WWW-Authenticate", `Basic realm="monitor", charset="UTF-8"`)
	writeError(w, http.StatusUnauthorized, errMonitorAuth)
	return false
}
