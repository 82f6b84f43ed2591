// Package main starts a nanotask server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/micromdm/nanotask/config"
	"github.com/micromdm/nanotask/engine"
	enginehttp "github.com/micromdm/nanotask/engine/http"
	"github.com/micromdm/nanotask/engine/storage"
	httptask "github.com/micromdm/nanotask/http"
	"github.com/micromdm/nanotask/log/logkeys"
	"github.com/micromdm/nanotask/notification"
	"github.com/micromdm/nanotask/provider"
	"github.com/micromdm/nanotask/provider/inmem"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanotask"
	apiRealm    = "nanotask"
)

func main() {
	var (
		flDebug   = flag.Bool("debug", false, "log debug messages")
		flListen  = flag.String("listen", ":9005", "HTTP listen address")
		flVersion = flag.Bool("version", false, "print version and exit")
		flDump    = flag.Bool("dump", false, "dump API requests to stdout")
		flAPIKey  = flag.String("api", "", "API key for task and notification endpoints")
		flConfig  = flag.String("config", "", "path to TOML or YAML config file")
		flStorage = flag.String("storage", "file", "name of storage backend")
		flDSN     = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flOptions = flag.String("storage-options", "", "storage backend options")
		flWorkSec = flag.Uint("worker-interval", uint(engine.DefaultDuration/time.Second), "interval for expired token worker in seconds")
		flProject = flag.String("seed-project", "", "create an enabled project with this name in the in-memory provider")
	)
	envflag.Parse("NANOTASK_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	if *flAPIKey == "" {
		logger.Info(logkeys.Error, "API key required")
		os.Exit(1)
	}

	cfg := new(config.Config)
	if *flConfig != "" {
		var err error
		if cfg, err = config.Load(*flConfig); err != nil {
			logger.Info(logkeys.Message, "loading config", logkeys.Error, err)
			os.Exit(1)
		}
	}

	store, err := parseStorage(*flStorage, *flDSN, *flOptions)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	p := inmem.New()
	if *flProject != "" {
		proj := p.AddProject(provider.Project{Name: *flProject, DomainID: "default", Enabled: true})
		logger.Info(logkeys.Message, "seeded project", "project_id", proj.ID, "name", proj.Name)
	}

	m, n, err := newManager(logger, cfg, store, p)
	if err != nil {
		logger.Info(logkeys.Message, "configuring engine", logkeys.Error, err)
		os.Exit(1)
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	mux.Group(func(mux *flow.Mux) {
		if *flDump {
			mux.Use(func(h http.Handler) http.Handler {
				return httptask.DumpHandler(h, os.Stdout)
			})
		}

		// token holders have no API key
		enginehttp.HandleTokenAPIv1("/v1", mux, logger, m)

		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, m, n)
		})
	})

	if *flWorkSec > 0 {
		w := engine.NewWorker(
			store,
			engine.WithWorkerLogger(logger.With("service", "engine worker")),
			engine.WithWorkerDuration(time.Second*time.Duration(*flWorkSec)),
		)
		go func() {
			err := w.Run(context.Background())
			logs := []interface{}{logkeys.Message, "engine worker stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	// seed for newTraceID
	rand.Seed(time.Now().UnixNano())

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newManager configures the notification dispatcher and the task manager from cfg.
func newManager(logger log.Logger, cfg *config.Config, store storage.AllStorage, p provider.Provider) (*engine.Manager, *notification.Dispatcher, error) {
	actions, err := cfg.BuildActions(p)
	if err != nil {
		return nil, nil, err
	}
	types := engine.NewRegistry(actions)
	for _, tt := range cfg.TaskTypes() {
		if err = types.Register(tt); err != nil {
			return nil, nil, fmt.Errorf("registering task type %s: %w", tt.Name, err)
		}
		logger.Debug(logkeys.Message, "registered task type", logkeys.TaskType, tt.Name)
	}

	n := notification.New(store, append(
		cfg.NotificationOptions(),
		notification.WithLogger(logger.With("service", "notification")),
	)...)
	sender := cfg.Sender()
	handlers, err := cfg.NotificationHandlers(logger.With("service", "notification handler"), sender)
	if err != nil {
		return nil, nil, err
	}
	for name, h := range handlers {
		if err = n.RegisterHandler(name, h); err != nil {
			return nil, nil, err
		}
	}

	opts := []engine.Option{
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithNotifier(n),
		engine.WithUsernameIsEmail(cfg.Identity.UsernameIsEmail),
	}
	if cfg.Defaults.TokenExpiry > 0 {
		opts = append(opts, engine.WithDefaultTokenExpiry(time.Duration(cfg.Defaults.TokenExpiry)))
	}
	mailer, err := cfg.StageMailer(logger, sender)
	if err != nil {
		return nil, nil, err
	}
	if mailer != nil {
		opts = append(opts, engine.WithStageNotifier(mailer))
	}
	return engine.New(store, types, opts...), n, nil
}

// newTraceID generates a new HTTP trace ID for context logging.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
