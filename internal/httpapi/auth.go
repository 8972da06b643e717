package httpapi

import (
	"net/http"
	"strings"
)

// Staff authentication happens upstream; the gateway forwards the verified
// account in X-Staff-ID.
const staffHeader = "X-Staff-ID"

func staffFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(staffHeader))
}

func requireStaff(w http.ResponseWriter, r *http.Request) (string, bool) {
	staffID := staffFromRequest(r)
	if staffID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing staff identity")
		return "", false
	}
	return staffID, true
}
