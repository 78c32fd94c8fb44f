package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/stevedore/stevedore/configuration"
	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/registry/handlers"
)

// A Registry represents a complete instance of the registry.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
	quit   chan os.Signal
}

// NewRegistry creates a new registry from a context and configuration
// struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	var err error
	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring logger: %v", err)
	}

	app := handlers.NewApp(ctx, config)

	handler := panicHandler(app)
	handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)

	server := &http.Server{
		Handler: handler,
	}

	return &Registry{
		app:    app,
		config: config,
		server: server,
		quit:   make(chan os.Signal, 1),
	}, nil
}

// ListenAndServe runs the registry's HTTP server and the debug server, if
// configured. It blocks until the process receives SIGINT or SIGTERM, then
// drains connections for up to the configured drain timeout.
func (registry *Registry) ListenAndServe() error {
	config := registry.config

	ln, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	if config.HTTP.Debug.Addr != "" {
		go func() {
			// The debug server serves the default mux, picking up pprof
			// registrations from the importing binary.
			if err := http.ListenAndServe(config.HTTP.Debug.Addr, nil); err != nil {
				logrus.Errorf("error listening on debug interface: %v", err)
			}
		}()
		logrus.Infof("debug server listening %v", config.HTTP.Debug.Addr)
	}

	dcontext.GetLogger(registry.app).Infof("listening on %v", ln.Addr())

	errChan := make(chan error, 1)
	go func() {
		errChan <- registry.server.Serve(ln)
	}()

	signal.Notify(registry.quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-registry.quit:
		dcontext.GetLogger(registry.app).Infof("received signal %v, shutting down", sig)
	}

	// Shutdown the server with a drain timeout. A zero timeout drains
	// until idle.
	ctx := context.Background()
	if registry.config.HTTP.DrainTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, registry.config.HTTP.DrainTimeout)
		defer cancel()
	}

	return registry.server.Shutdown(ctx)
}

// Shutdown triggers a graceful stop of the running registry, as if a
// termination signal had been received.
func (registry *Registry) Shutdown() {
	registry.quit <- syscall.SIGTERM
}

// panicHandler rejects the panic from propagating to the default net/http
// handling, logging it instead.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.Panic(fmt.Sprintf("%v", err))
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))

	formatter := config.Log.Formatter
	if formatter == "" {
		formatter = "text" // default formatter
	}

	switch formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", config.Log.Formatter)
	}

	if config.Log.Formatter != "" {
		logrus.Debugf("using %q logging formatter", config.Log.Formatter)
	}

	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []any
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		l = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
	}

	return l
}
