package main

import (
	"context"
	stderrors "errors"
	"flag"
	"log"
	"net/http"
	"time"

	"oms/internal/app"
	"oms/internal/ops"

	"github.com/bytedance/sonic"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...any)  {}
func (pyroscopeLogger) Debugf(format string, args ...any) {}
func (pyroscopeLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }

func main() {
	configPath := flag.String("config", "config/oms.json", "Path to JSON config")
	watch := flag.Bool("watch", true, "Reload risk limits when the config file changes")
	adminAddr := flag.String("admin-addr", ":9090", "Listen address for /metrics and venue admin (empty=disable)")
	pyroscopeAddr := flag.String("pyroscope-addr", "", "Pyroscope server address (empty=disable)")
	flag.Parse()

	if *pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "oms",
			ServerAddress:   *pyroscopeAddr,
			Logger:          pyroscopeLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opt := app.Options{Registerer: prometheus.DefaultRegisterer, HTTPClient: &http.Client{}}
	if *watch {
		opt.ConfigPath = *configPath
	}
	a, err := app.New(ctx, loaded, opt)
	if err != nil {
		log.Fatalf("pipeline init failed: %v", err)
	}

	var srv *http.Server
	if *adminAddr != "" {
		srv = &http.Server{Addr: *adminAddr, Handler: adminHandler(a), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logs.Errorf("admin server stopped, err: %+v", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	logs.Infof("oms started, config: %s, venues: %d, accounts: %d", *configPath, len(loaded.File.Venues), len(loaded.File.Accounts))

	<-sys.Shutdown()
	logs.Info("shutting down")
	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		stop()
	}
	cancel()
	if err := <-done; err != nil {
		logs.Errorf("shutdown, err: %+v", err)
	}
}

func adminHandler(a *app.App) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /venues", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.Usecase.Health())
	})
	mux.HandleFunc("POST /venues/{id}/reset", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Usecase.ResetVenue(r.PathValue("id")); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		o, ok := a.Usecase.Order(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
			return
		}
		writeJSON(w, http.StatusOK, o)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
