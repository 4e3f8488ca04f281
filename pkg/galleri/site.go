package galleri

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SiteHandler serves the built site from dir for local preview, with build
// metrics at /metrics and a liveness check at /healthz.
func SiteHandler(dir string, m *Metrics) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods("GET")
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))
	return r
}
