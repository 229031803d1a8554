package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CodedInternet/gosorter/comms"
	"github.com/CodedInternet/gosorter/onboard"
	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

type EnvConfig struct {
	CONFIG         string        `env:"SORTER_CONFIG" envDefault:"./sorter.yaml"`
	BACKEND        string        `env:"SORTER_BACKEND"`
	DB_PATH        string        `env:"SORTER_DB" envDefault:"./tmp/sorter.db"`
	DEBUG          bool          `env:"DEBUG" envDefault:"0"`
	JWT_ISSUER     string        `env:"JWT_ISSUER" envDefault:"DEV"`
	JWT_SECRET     string        `env:"JWT_SECRET"`
	LOCK_MEMORY    bool          `env:"SORTER_LOCK_MEMORY" envDefault:"0"`
	SIM_CHANNELS   int           `env:"SORTER_SIM_CHANNELS" envDefault:"6"`
	STATE_INTERVAL time.Duration `env:"SORTER_STATE_INTERVAL" envDefault:"250ms"`
	DB             *storm.DB
	Conductor      *comms.Conductor
	Simulated      bool
}

var (
	ENV *EnvConfig
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		log.WithError(err).Fatal("unable to parse environment")
	}
	JWT_HMAC_SECRET = jwtSecret(ENV.JWT_SECRET)
}

func main() {
	simulated := flag.Bool("sim", false, "Run against the simulated carriage")
	port := flag.String("port", "0.0.0.0:80", "Specify the ip:port to listen on")
	interactive := flag.Bool("shell", false, "Start the development shell on stdin")
	flag.Parse()

	if ENV.DEBUG {
		log.SetLevel(log.DebugLevel)
	}

	db, err := openDb(ENV.DB_PATH)
	if err != nil {
		log.WithError(err).WithField("path", ENV.DB_PATH).Fatal("unable to open database")
	}
	ENV.DB = db
	defer ENV.DB.Close()

	if ENV.JWT_SECRET == "" {
		secret, err := storedSecret(ENV.DB)
		if err != nil {
			log.WithError(err).Warn("unable to load stored JWT secret, tokens will not survive a restart")
		} else {
			JWT_HMAC_SECRET = secret
		}
	}

	config, err := onboard.LoadConfig(ENV.CONFIG)
	if err != nil {
		log.WithError(err).WithField("path", ENV.CONFIG).Fatal("unable to load config")
	}

	ENV.Simulated = *simulated
	if ENV.BACKEND != "" {
		config.Backend.Kind = ENV.BACKEND
	}
	if ENV.Simulated {
		config.Backend.Kind = onboard.BACKEND_SIM
	}

	if ENV.LOCK_MEMORY {
		if err := lockMemory(); err != nil {
			log.WithError(err).Warn("unable to lock memory, step timing may jitter")
		}
	}

	open, err := openerFor(config)
	if err != nil {
		log.WithError(err).Fatal("unable to select backend")
	}
	carriage, err := onboard.NewCarriage(config, open)
	if err != nil {
		log.WithError(err).Fatal("invalid carriage config")
	}
	if err := carriage.Init(); err != nil {
		log.WithError(err).Fatal("unable to initialise carriage")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ENV.Conductor = comms.NewConductor(ctx, carriage, ENV.STATE_INTERVAL)
	go ENV.Conductor.UpdateClients(ctx)

	if *interactive {
		shell := newShell(ctx, ENV.Conductor)
		go shell.Start()
	}

	server := &http.Server{Addr: *port, Handler: newRouter()}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.WithField("signal", sig).Info("shutting down")

		// stop motion first so requests waiting on it can finish
		cancel()
		ENV.Conductor.Close()

		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdown); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithField("addr", *port).Info("listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.WithError(err).Error("http server failed")
	}

	cancel()
	carriage.Cleanup()
}

func newRouter() chi.Router {
	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	if ENV.DEBUG {
		log.Warn("Running in debug mode. Authentication disabled.")
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", Login)

		r.Group(func(r chi.Router) {
			if !ENV.DEBUG {
				r.Use(ValidateJWT)
			}
			apiRoutes(r)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		if !ENV.DEBUG {
			r.Use(ValidateJWT)
		}
		r.Get("/events", EventsHandler)
	})

	return r
}

func openDb(dbFile string) (db *storm.DB, err error) {
	dbFile, err = filepath.Abs(dbFile)
	if err != nil {
		return
	}
	if err = os.MkdirAll(filepath.Dir(dbFile), 0755); err != nil {
		return
	}

	// fail rather than hang when another daemon holds the file
	db, err = storm.Open(dbFile, storm.BoltOptions(0600, &bolt.Options{Timeout: time.Second}))
	if err != nil {
		return
	}

	// call inits for each type
	if err := db.Init(&User{}); err != nil {
		db.Close()
		return nil, err
	}

	return
}
