package handlers

import (
	"net/http"
	"net/http/httputil"

	"github.com/go-chi/chi/v5"
)

// OPKCallback receives the OAuth provider redirect and relays it into the
// CLI subprocess's loopback callback server. Providers redirect to a fixed
// URL with no request id, so with several logins in flight the browser must
// supply requestId itself.
func OPKCallback(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")
	if requestID == "" {
		if active := OPKMgr.ActiveRequestIDs(); len(active) == 1 {
			requestID = active[0]
		}
	}
	if requestID == "" {
		writeError(w, http.StatusNotFound, "No matching opkssh login in progress")
		return
	}

	if err := OPKMgr.ForwardCallback(requestID, r.URL.RawQuery); err != nil {
		writeError(w, http.StatusNotFound, "Login already finished or was cancelled")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<html><body><p>Login received. You can close this tab.</p></body></html>"))
}

// OPKChooser reverse-proxies the subprocess's provider chooser page so the
// browser never needs to reach the server's loopback interface.
func OPKChooser(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	target, err := OPKMgr.ChooserTarget(requestID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Login already finished or was cancelled")
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	http.StripPrefix("/ssh/opkssh-chooser/"+requestID, proxy).ServeHTTP(w, r)
}
