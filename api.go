package prefork

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// apiHandler serves the read-only introspection API over the supervisor,
// plus a restart hook. All state it reports is a snapshot and may lag
// the loop by one iteration.
type apiHandler struct {
	sup *supervisor
	r   *mux.Router
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newAPIHandler(sup *supervisor) *apiHandler {
	r := mux.NewRouter()
	h := &apiHandler{sup: sup, r: r}
	r.HandleFunc("/stats", h.getStats).Methods("GET")
	r.HandleFunc("/workers", h.listWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}", h.getWorker).Methods("GET")
	r.HandleFunc("/restart", h.postRestart).Methods("POST")
	return h
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (h *apiHandler) writeError(w http.ResponseWriter, e *apiError) {
	b, err := json.Marshal(e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	_, _ = w.Write(b)
}

func (h *apiHandler) getStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.sup.stats())
}

func (h *apiHandler) listWorkers(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.sup.allWorkers())
}

func (h *apiHandler) getWorker(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id, err := strconv.Atoi(vars["id"])
	if err != nil {
		h.writeError(w, &apiError{http.StatusBadRequest, "bad worker id"})
		return
	}
	ws, err := h.sup.workerStats(WorkerID(id))
	if err != nil {
		h.writeError(w, &apiError{http.StatusNotFound, "worker not found"})
		return
	}
	h.writeJSON(w, ws)
}

func (h *apiHandler) postRestart(w http.ResponseWriter, _ *http.Request) {
	h.sup.disp.requestRestart()
	h.writeJSON(w, map[string]string{"status": "restart requested"})
}

// auxServers owns the optional metrics and API listeners for the
// lifetime of the supervisor loop
type auxServers struct {
	servers []*http.Server
}

// startAuxServers brings up whichever of the metrics and API endpoints
// are configured. Returns nil when neither is.
func startAuxServers(cfg *Config, sup *supervisor) *auxServers {
	var aux *auxServers

	serve := func(addr string, handler http.Handler, name string) {
		srv := &http.Server{Addr: addr, Handler: handler}
		if aux == nil {
			aux = &auxServers{}
		}
		aux.servers = append(aux.servers, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				cfg.Logger.Error("endpoint failed", "endpoint", name, "addr", addr, "error", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" && sup.metrics != nil {
		m := http.NewServeMux()
		m.Handle("/metrics", promhttp.HandlerFor(sup.metrics.registry, promhttp.HandlerOpts{}))
		serve(cfg.MetricsAddr, m, "metrics")
	}
	if cfg.APIAddr != "" {
		serve(cfg.APIAddr, newAPIHandler(sup), "api")
	}
	return aux
}

// stop shuts the listeners down, allowing in-flight requests a short
// grace period
func (a *auxServers) stop() {
	for _, srv := range a.servers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
}
