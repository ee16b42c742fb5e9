package pqharvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/common"
)

// WatchSignals maps process signals onto ctl: SIGUSR1 toggles the harvest
// loop, SIGUSR2 toggles signal listening, SIGINT and SIGTERM stop the run.
// The returned func stops watching.
func WatchSignals(ctl *common.ControlState) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				handleSignal(ctl, sig)
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func handleSignal(ctl *common.ControlState, sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		log.Info().Bool("loop", ctl.ToggleLoop()).Msg("loop toggled")
	case syscall.SIGUSR2:
		log.Info().Bool("signal", ctl.ToggleSignal()).Msg("signal listening toggled")
	default:
		log.Info().Str("signal", sig.String()).Msg("stopping")
		ctl.Stop()
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// NewControlRouter serves the control flags and, when g is set, the metrics.
func NewControlRouter(ctl *common.ControlState, g prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/control", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Snapshot())
	}).Methods("GET")
	r.HandleFunc("/control/{flag}/{state:on|off}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		if err := ctl.Set(vars["flag"], vars["state"] == "on"); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		log.Info().Str("flag", vars["flag"]).Str("state", vars["state"]).Msg("control flag set")
		writeJSON(w, http.StatusOK, ctl.Snapshot())
	}).Methods("PUT")
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

// ServeControl serves h on addr until ctx ends.
func ServeControl(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	log.Info().Str("addr", addr).Msg("control server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
