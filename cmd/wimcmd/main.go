// Package main starts a wimcmd server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/winops/wimcmd/engine"
	enginehttp "github.com/winops/wimcmd/engine/http"
	"github.com/winops/wimcmd/image/dism"
	"github.com/winops/wimcmd/logkeys"
	"github.com/winops/wimcmd/mount"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "wimcmd"
	apiRealm    = "wimcmd"
)

func main() {
	var (
		flDebug     = flag.Bool("debug", false, "log debug messages")
		flListen    = flag.String("listen", ":9004", "HTTP listen address")
		flVersion   = flag.Bool("version", false, "print version and exit")
		flAPIKey    = flag.String("api", "", "API key for API endpoints")
		flStorage   = flag.String("storage", "file", "name of storage backend")
		flDSN       = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flOptions   = flag.String("storage-options", "", "storage backend options")
		flMountRoot = flag.String("mount-root", "mounts", "root directory for image mount points")
		flDISM      = flag.String("dism", "dism.exe", "path to the dism executable")
		flOscdimg   = flag.String("oscdimg", "oscdimg.exe", "path to the oscdimg executable")
		flRetries   = flag.Uint("max-retries", 3, "max retry attempts for transient step failures")
		flRetrySec  = flag.Uint("retry-delay", 5, "delay between retries in seconds")
		flWorkSec   = flag.Uint("worker-interval", uint(engine.DefaultDuration/time.Second), "interval for worker in seconds")
		flStaleSec  = flag.Uint("stale-interval", uint(engine.DefaultStaleDuration/time.Second), "seconds before a silent batch is considered orphaned")
	)
	envflag.Parse("WIMCMD_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	// configure storage
	storage, err := parseStorage(*flStorage, *flDSN, *flOptions)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	// configure our image tooling
	dismClient := dism.New(
		dism.WithLogger(logger),
		dism.WithDISMPath(*flDISM),
		dism.WithOscdimgPath(*flOscdimg),
	)
	mounts := mount.New(
		dismClient,
		mount.WithLogger(logger.With("service", "mount")),
		mount.WithMountRoot(*flMountRoot),
	)

	// configure the batch engine
	e := engine.New(
		storage.engine,
		engine.Handlers{
			Image:    dismClient,
			Appliers: dismClient.Appliers(),
		},
		engine.WithLogger(logger),
		engine.WithMountManager(mounts),
		engine.WithEventSink(engine.NewLogSink(logger.With("service", "events"))),
		engine.WithRetryPolicy(&engine.Policy{
			MaxRetryAttempts: int(*flRetries),
			RetryDelay:       time.Second * time.Duration(*flRetrySec),
		}),
	)

	// configure the batch hygiene worker (async runner/job)
	var eWorker *engine.Worker
	if *flWorkSec > 0 {
		wOpts := []engine.WorkerOption{
			engine.WithWorkerLogger(logger.With("service", "engine worker")),
			engine.WithWorkerDuration(time.Second * time.Duration(*flWorkSec)),
		}
		if *flStaleSec > 0 {
			wOpts = append(wOpts, engine.WithWorkerStaleDuration(time.Second*time.Duration(*flStaleSec)))
		}
		eWorker = engine.NewWorker(storage.engine, wOpts...)
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, e, storage.engine)
		})
	}

	if eWorker != nil {
		go func() {
			err := eWorker.Run(context.Background())
			logs := []interface{}{logkeys.Message, "engine worker stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newTraceID generates a new HTTP trace ID for context logging.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
