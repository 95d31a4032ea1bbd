// Command mwax-db2fits reads correlated visibility blocks from a
// shared-memory ring buffer and writes them out as FITS files grouped
// by observation, publishing periodic multicast health datagrams.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwatelescope/mwax-fitswriter/internal/config"
	"github.com/mwatelescope/mwax-fitswriter/internal/dispatch"
	"github.com/mwatelescope/mwax-fitswriter/internal/fsutil"
	"github.com/mwatelescope/mwax-fitswriter/internal/header"
	"github.com/mwatelescope/mwax-fitswriter/internal/health"
	"github.com/mwatelescope/mwax-fitswriter/internal/ledger"
	"github.com/mwatelescope/mwax-fitswriter/internal/lifecycle"
	"github.com/mwatelescope/mwax-fitswriter/internal/monitoring"
	"github.com/mwatelescope/mwax-fitswriter/internal/obsstate"
	"github.com/mwatelescope/mwax-fitswriter/internal/ringbuffer"
	"github.com/mwatelescope/mwax-fitswriter/internal/version"
	"github.com/mwatelescope/mwax-fitswriter/internal/weights"
	"github.com/mwatelescope/mwax-fitswriter/internal/writer"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if config.IsVersionRequested(err) {
			log.Printf("mwax-db2fits v%s (git SHA: %s, built %s)", version.Version, version.GitSHA, version.BuildTime)
			os.Exit(0)
		}
		log.Printf("%v", err)
		os.Exit(1)
	}

	log.Printf("mwax-db2fits v%s (git SHA: %s) starting", version.Version, version.GitSHA)

	ldg, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("failed to open observation ledger: %v", err)
	}
	defer ldg.Close()

	if cfg.AdminListen != "" {
		mux := http.NewServeMux()
		if err := ldg.AttachAdminRoutes(mux); err != nil {
			log.Printf("admin debug surface disabled: %v", err)
		} else {
			go func() {
				log.Printf("admin debug surface listening on %s", cfg.AdminListen)
				if err := http.ListenAndServe(cfg.AdminListen, mux); err != nil {
					log.Printf("admin debug surface stopped: %v", err)
				}
			}()
		}
	}

	versions := writer.Versions{CorrVer: 2, U2SVer: version.Version, CBFVer: version.Version, DB2FVer: version.Version}
	fs := fsutil.OSFileSystem{}
	machine := obsstate.New(fs, cfg.DestinationPath, versions, cfg.FileSizeLimit)
	agg := weights.New()
	shared := health.NewSharedState()

	var runIDsMu sync.Mutex
	runIDs := make(map[string]string)

	machine.OnFileOpened = func(obsID uint64, path string, fileNumber, coarseChannel int) {
		runID, err := ldg.RecordFileOpened(obsID, path, fileNumber, coarseChannel)
		if err != nil {
			log.Printf("ledger: record file opened: %v", err)
			return
		}
		runIDsMu.Lock()
		runIDs[path] = runID
		runIDsMu.Unlock()
	}
	machine.OnFileClosed = func(path string, bytesWritten int64, hduCount int, renamed bool) {
		runIDsMu.Lock()
		runID := runIDs[path]
		delete(runIDs, path)
		runIDsMu.Unlock()
		if runID == "" {
			return
		}
		if err := ldg.RecordFileClosed(runID, bytesWritten, hduCount, renamed); err != nil {
			log.Printf("ledger: record file closed: %v", err)
		}
	}

	dispatcher := dispatch.New(machine, agg)
	dispatcher.OnHeaderAccepted = func(state obsstate.State, h *header.Header) {
		status := health.StatusRunning
		if state == obsstate.Shutting {
			status = health.StatusShuttingDown
		}
		shared.Set(status, h.ObsID, h.SubObsID)
		if state == obsstate.InObs {
			if err := ldg.RecordObservationStart(h.ObsID, h.ProjID, string(h.Mode), time.Now()); err != nil {
				log.Printf("ledger: record observation start: %v", err)
			}
		}
	}

	sender, err := health.NewUDPSender(cfg.HealthNetIface, cfg.HealthIP, cfg.HealthPort)
	if err != nil {
		log.Fatalf("failed to set up health multicast sender: %v", err)
	}
	defer sender.Close()

	hostname, _ := os.Hostname()
	publisher := health.NewPublisher(sender, shared, agg, versionTriplet(version.Version), hostname, time.Now())
	publisher.OnTick = func(status health.Status, obsID, subObsID uint64, uptime time.Duration) {
		if err := ldg.RecordHealthTick(int(status), obsID, subObsID, uptime); err != nil {
			monitoring.Logf("ledger: record health tick: %v", err)
		}
	}

	ctl := lifecycle.New()

	ctl.Go(func(ctx context.Context) {
		shared.Set(health.StatusRunning, 0, 0)
		driver := buildDriver(cfg.Key)
		if err := driver.Run(ctx, dispatcher); err != nil {
			log.Printf("writer loop stopped: %v", err)
		}
		shared.Set(health.StatusShuttingDown, 0, 0)
		// The driver returns on a quit request or a fatal write error as
		// well as on signal-driven cancellation. Cancel here so the
		// health loop (which only stops on ctx.Done()) sends its final
		// datagram and returns instead of blocking Wait forever.
		ctl.Cancel()
	})

	ctl.Go(func(ctx context.Context) {
		done := ctx.Done()
		publisher.Run(done, time.Now)
	})

	ctl.Wait()
	ctl.Shutdown()
	log.Printf("mwax-db2fits shut down cleanly")
}

// buildDriver constructs the ring-buffer driver for the given key. The
// production PSRDADA attach/lock/read mechanics live outside this
// module's scope (see the ring-buffer contract in the specification);
// ringbuffer.MockDriver with no sub-observations queued is a harmless
// placeholder until that driver is wired in by the deployment target.
func buildDriver(key string) ringbuffer.Driver {
	_ = key
	return &ringbuffer.MockDriver{}
}

func versionTriplet(v string) health.Versions {
	major, minor, patch := 0, 0, 0
	parts := splitVersion(v)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		patch, _ = strconv.Atoi(parts[2])
	}
	return health.Versions{Major: int32(major), Minor: int32(minor), Patch: int32(patch)}
}

func splitVersion(v string) []string {
	var parts []string
	cur := ""
	for _, r := range v {
		if r == '.' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts = append(parts, cur)
	return parts
}
