package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/metrics"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Address string `long:"address" env:"ADDRESS" default:"" description:"Address at which diagnostics are served, eg ':8081'. Disabled if empty"`
}

// InitDiagnosticsAndRecover registers livestore collectors and diagnostic
// handlers with the default HTTP mux, serving it at the configured address
// (if any). It returns a closure to be deferred, which recovers a panic and
// attempts to write a termination message before re-panicking.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	RegisterDiagnostics(http.DefaultServeMux)

	if cfg.Address != "" {
		go func() {
			var err = http.ListenAndServe(cfg.Address, nil)
			log.WithFields(log.Fields{"address": cfg.Address, "err": err}).Error("diagnostics server stopped")
		}()
	}

	return func() {
		if r := recover(); r != nil {
			// Best effort only.
			if f, err := os.OpenFile(terminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// RegisterDiagnostics registers livestore collectors, and serves a
// liveness check at /debug/ready and Prometheus metrics at /debug/metrics
// of |mux|. Packages "net/http/pprof" and "expvar" serve /debug/pprof/ and
// /debug/vars of the default mux.
func RegisterDiagnostics(mux *http.ServeMux) {
	registerOnce.Do(func() { prometheus.MustRegister(metrics.Collectors()...) })

	mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/debug/metrics", promhttp.Handler())
}

var registerOnce sync.Once

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

// terminationLog is read by Kubernetes as the termination message of a
// failed container.
const terminationLog = "/dev/termination-log"
