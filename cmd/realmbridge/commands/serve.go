package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/realmbridge/realmbridge/pkg/bridge"
	"github.com/realmbridge/realmbridge/pkg/registry"
	"github.com/realmbridge/realmbridge/pkg/telemetry"
	"github.com/realmbridge/realmbridge/pkg/transports/httpcap"
)

func newServeCommand() *cobra.Command {
	var (
		listenAddr     string
		metricsAddr    string
		manifests      []string
		heartbeatTTL   time.Duration
		recoverAtBoot  bool
		recoveryRealm  string
		invokeTimeout  time.Duration
		timeoutRetries int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing kernel",
		Long: `Run the RealmBridge kernel: the capability registry, the cross-realm
router, and the saga coordinator, exposed over an HTTP API.

On startup the kernel replays its write-ahead log and compensates any
operation that was in flight when the previous process died.`,
		Example: `  # Serve with defaults
  realmbridge serve

  # Serve with capability manifests and a custom liveness window
  realmbridge serve --manifest realms/insights.yaml --heartbeat-ttl 15s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg := telemetry.DefaultConfig()
			cfg.Metrics.ListenAddress = metricsAddr
			tel, err := telemetry.New(cfg)
			if err != nil {
				return err
			}
			log := tel.Logger.NewComponentLogger("serve")

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			reg := registry.New(registry.Config{HeartbeatTTL: heartbeatTTL}, tel)
			go reg.StartSweeper(ctx)

			local := bridge.NewLocalDispatcher()
			mux := bridge.NewDispatcherMux(local, httpcap.NewDispatcher(nil))
			router := bridge.NewRouter(reg, mux, store, tel, bridge.RouterConfig{DefaultTimeout: invokeTimeout})

			coordCfg := bridge.DefaultCoordinatorConfig()
			coordCfg.MaxTimeoutRetries = timeoutRetries
			coord := bridge.NewCoordinator(router, store, store, tel, coordCfg)

			if recoverAtBoot {
				tc := bridge.NewRootContext("system:recovery", "")
				results, err := coord.RecoverAll(ctx, recoveryRealm, tc)
				if err != nil {
					return err
				}
				log.WithField("recovered", len(results)).Info("startup recovery complete")
			}

			if len(manifests) > 0 {
				watcher := registry.NewManifestWatcher(reg, tel)
				if err := watcher.Watch(ctx, manifests); err != nil {
					return err
				}
				defer func() { _ = watcher.Close() }()
			}

			go func() {
				if err := tel.Metrics.StartMetricsServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("metrics server failed")
				}
			}()

			srv := &http.Server{
				Addr:              listenAddr,
				Handler:           newAPIRouter(reg, router, coord, store),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = coord.Shutdown(shutdownCtx)
				_ = srv.Shutdown(shutdownCtx)
				_ = tel.Shutdown(shutdownCtx)
			}()

			log.WithField("listen", listenAddr).Info("kernel listening")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "kernel API listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", ":9464", "Prometheus metrics listen address")
	cmd.Flags().StringArrayVar(&manifests, "manifest", nil, "capability manifest files to load and watch")
	cmd.Flags().DurationVar(&heartbeatTTL, "heartbeat-ttl", 30*time.Second, "capability liveness window")
	cmd.Flags().BoolVar(&recoverAtBoot, "recover", true, "replay the WAL and compensate interrupted operations at startup")
	cmd.Flags().StringVar(&recoveryRealm, "recovery-realm", "", "realm used to resolve compensations during startup recovery")
	cmd.Flags().DurationVar(&invokeTimeout, "invoke-timeout", 30*time.Second, "default per-invocation timeout")
	cmd.Flags().IntVar(&timeoutRetries, "timeout-retries", 2, "how many times a timed-out step is retried before compensation")

	return cmd
}

// newAPIRouter builds the kernel's HTTP API.
func newAPIRouter(reg bridge.Registry, router *bridge.Router, coord *bridge.Coordinator, traces bridge.TraceStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/capabilities", func(w http.ResponseWriter, req *http.Request) {
			var desc bridge.CapabilityDescriptor
			if err := json.NewDecoder(req.Body).Decode(&desc); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := reg.Register(req.Context(), desc); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, desc)
		})

		r.Get("/capabilities", func(w http.ResponseWriter, req *http.Request) {
			list, err := reg.List(req.Context(), req.URL.Query().Get("realm"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Post("/capabilities/{realm}/{name}/{version}/heartbeat", func(w http.ResponseWriter, req *http.Request) {
			err := reg.Heartbeat(req.Context(),
				chi.URLParam(req, "realm"), chi.URLParam(req, "name"), chi.URLParam(req, "version"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Delete("/capabilities/{realm}/{name}/{version}", func(w http.ResponseWriter, req *http.Request) {
			err := reg.Deregister(req.Context(),
				chi.URLParam(req, "realm"), chi.URLParam(req, "name"), chi.URLParam(req, "version"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/invoke", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				CallerRealm string         `json:"caller_realm"`
				Capability  string         `json:"capability"`
				Version     string         `json:"version,omitempty"`
				Params      map[string]any `json:"params,omitempty"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			tc := traceContextFrom(req)
			result, err := router.Invoke(req.Context(), body.CallerRealm, body.Capability, body.Version, body.Params, tc)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		r.Post("/operations", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				CallerRealm string            `json:"caller_realm"`
				Steps       []bridge.StepSpec `json:"steps"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			tc := traceContextFrom(req)
			id, err := coord.Begin(req.Context(), body.CallerRealm, body.Steps, tc)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id, "trace_id": tc.TraceID})
		})

		r.Get("/operations/{id}", func(w http.ResponseWriter, req *http.Request) {
			inst, err := coord.Status(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, inst)
		})

		r.Post("/operations/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
			if err := coord.Cancel(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		})

		r.Get("/traces/{traceID}", func(w http.ResponseWriter, req *http.Request) {
			events, err := traces.Query(req.Context(), chi.URLParam(req, "traceID"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, events)
		})
	})

	return r
}

// traceContextFrom rebuilds the trace context from request headers, minting a
// root context when the caller supplies none.
func traceContextFrom(req *http.Request) bridge.TraceContext {
	tc := bridge.TraceContext{
		TraceID:            req.Header.Get(httpcap.HeaderTraceID),
		SpanID:             req.Header.Get(httpcap.HeaderSpanID),
		ParentSpanID:       req.Header.Get(httpcap.HeaderParentSpanID),
		CallerIdentity:     req.Header.Get(httpcap.HeaderCallerIdentity),
		AuthorizationToken: req.Header.Get("Authorization"),
	}
	if tc.TraceID == "" && tc.CallerIdentity != "" {
		return bridge.NewRootContext(tc.CallerIdentity, tc.AuthorizationToken)
	}
	return tc
}

func statusFor(err error) int {
	switch bridge.KindOf(err) {
	case bridge.ErrorKindNotFound:
		return http.StatusNotFound
	case bridge.ErrorKindConflict:
		return http.StatusConflict
	case bridge.ErrorKindInvalidState, bridge.ErrorKindInvalidContext:
		return http.StatusBadRequest
	case bridge.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"error_kind": string(bridge.KindOf(err)),
	})
}
