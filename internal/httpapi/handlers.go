// Package httpapi is the HTTP surface of the callback service: the OAuth
// redirect forwarder page, the app-link association documents and the usual
// health/metrics endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"modli.app/internal/obs"
)

// ReadyProbe reports whether downstream dependencies answer (DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// LinkConfig describes the mobile app this server forwards callbacks to.
type LinkConfig struct {
	// Scheme is the app's custom URL scheme, e.g. "modli".
	Scheme string
	// AndroidPackage and AndroidCertSHA256 fill assetlinks.json.
	AndroidPackage    string
	AndroidCertSHA256 string
	// AppleAppID is "TEAMID.bundle.id" for apple-app-site-association.
	AppleAppID string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	link       LinkConfig
	version    string
}

func New(rp ReadyProbe, link LinkConfig, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		link:       link,
		version:    version,
	}

	// OAuth callback forwarder.
	a.mux.HandleFunc("/auth/callback", a.Callback)

	// App-link verification documents.
	a.mux.HandleFunc("/.well-known/assetlinks.json", a.AssetLinks)
	a.mux.HandleFunc("/.well-known/apple-app-site-association", a.AppleAssociation)

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with request metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

// --- Handlers ---

// callbackPage re-emits the callback parameters to the app's custom scheme.
// Token fragments never reach the server (the fragment stays in the
// browser), so the hop has to run client-side.
var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Returning to the app…</title>
</head>
<body>
<p>Returning to the app… If nothing happens, <a id="open" href="#">tap here</a>.</p>
<script>
(function () {
  var target = {{.Scheme}} + "://auth/callback";
  var query = window.location.search.replace(/^\?/, "");
  var fragment = window.location.hash.replace(/^#/, "");
  if (query) { target += "?" + query; }
  if (fragment) { target += "#" + fragment; }
  document.getElementById("open").href = target;
  window.location.replace(target);
})();
</script>
</body>
</html>
`))

func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Tokens must never land in a shared cache.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackPage.Execute(w, map[string]string{"Scheme": a.link.Scheme}); err != nil {
		obs.LogEvent("httpapi.callback_render_failed", map[string]any{"error": err.Error()})
	}
}

func (a *API) AssetLinks(w http.ResponseWriter, r *http.Request) {
	fingerprints := []string{}
	if a.link.AndroidCertSHA256 != "" {
		fingerprints = append(fingerprints, a.link.AndroidCertSHA256)
	}
	writeJSON(w, http.StatusOK, []map[string]any{
		{
			"relation": []string{"delegate_permission/common.handle_all_urls"},
			"target": map[string]any{
				"namespace":                "android_app",
				"package_name":             a.link.AndroidPackage,
				"sha256_cert_fingerprints": fingerprints,
			},
		},
	})
}

func (a *API) AppleAssociation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"applinks": map[string]any{
			"apps": []string{},
			"details": []map[string]any{
				{
					"appID": a.link.AppleAppID,
					"paths": []string{"/auth/callback"},
				},
			},
		},
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "modli-callbackd",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "modli-callbackd",
		"scheme":  fmt.Sprintf("%s://", a.link.Scheme),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
