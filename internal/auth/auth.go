package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/apperr"
)

const (
	ModeEnforced = "enforced"
	ModeOpen     = "open"
)

// Auth gates the two client populations with independent pre-shared
// keys: sensor nodes send X-API-Key, the mobile app sends a bearer token.
// An unconfigured key puts that scheme into open mode — requests pass
// with a warning. Open mode is a deliberate development posture, not a
// fallback.
type Auth struct {
	DeviceKey string
	ClientKey string
}

func New(deviceKey, clientKey string) *Auth {
	a := &Auth{DeviceKey: deviceKey, ClientKey: clientKey}
	if a.DeviceMode() == ModeOpen {
		slog.Warn("device auth running in open mode", "env", "ESP32_API_KEY")
	}
	if a.ClientMode() == ModeOpen {
		slog.Warn("client auth running in open mode", "env", "CLIENT_API_KEY")
	}
	return a
}

func (a *Auth) DeviceMode() string { return mode(a.DeviceKey) }
func (a *Auth) ClientMode() string { return mode(a.ClientKey) }

func mode(key string) string {
	if key == "" {
		return ModeOpen
	}
	return ModeEnforced
}

// RequireDeviceKey authenticates sensor nodes via the X-API-Key header.
func (a *Auth) RequireDeviceKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.DeviceKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" {
			apperr.Write(w, apperr.Unauthorized("Missing API key").
				WithField("message", "X-API-Key header is required"))
			return
		}
		if key != a.DeviceKey {
			slog.Warn("invalid device API key", "remote", r.RemoteAddr)
			apperr.Write(w, apperr.Forbidden("Invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireClientKey authenticates the mobile client via a bearer token.
func (a *Auth) RequireClientKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.ClientKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			apperr.Write(w, apperr.Unauthorized("Missing authorization").
				WithField("message", "Authorization header with Bearer token is required"))
			return
		}
		if strings.TrimPrefix(header, "Bearer ") != a.ClientKey {
			slog.Warn("invalid client token", "remote", r.RemoteAddr)
			apperr.Write(w, apperr.Forbidden("Invalid authorization token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
