package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"oems/pkg/config"
	"oems/pkg/ems"
	"oems/pkg/events"
	"oems/pkg/journal"
	"oems/pkg/model"
	"oems/pkg/oms"
	"oems/pkg/routing"
	"oems/pkg/xetcd"
	"oems/pkg/xlog"
)

var logger = xlog.GetLogger()

var (
	fApp     string
	fID      string
	fVenue   string
	fRegen   bool
	fLogDir  string
	fLogFile string
)

var (
	apps = map[string]bool{"oms": true, "ems": true, "bm": true, "jm": true}
)

func init() {
	flag.StringVar(&fApp, "app", "", "")
	flag.StringVar(&fID, "id", "1", "")
	flag.StringVar(&fVenue, "venue", "", "")
	flag.BoolVar(&fRegen, "regen", false, "")
	flag.StringVar(&fLogDir, "logdir", "", "")
	flag.StringVar(&fLogFile, "logfile", "", "")
}

func main() {
	var err error
	flag.Parse()

	if !apps[fApp] {
		validApps := ""
		for k := range apps {
			validApps += k + ", "
		}
		panic("invalid app, only (" + validApps + ") avaliable")
	}

	// Initialize the Shared config
	config.EasyInit()

	// Initialize the logger
	if fLogDir == "" {
		fLogDir = filepath.Join(config.Shared.DataDir, "logs")
	}
	if fLogFile == "" {
		fLogFile = fApp + ".log"
	}
	logPath := filepath.Join(fLogDir, fLogFile)
	xlog.Init(fApp, logPath, nil)
	logger.Info(fApp + " started")
	logger.Infof("xlog in %s", logPath)

	// Handle signals
	stopCh := make(chan struct{})
	go handleSignals(stopCh)

	// Initialize the etcd instance
	err = xetcd.InitShared([]string{config.Shared.Etcd.Main.Url})
	if err != nil {
		logger.Errorf("xetcd.InitShared failed with err:%s", err)
		panic(err)
	}

	// Initialize the database instances(mysql, redis)
	// fatal if failed
	model.DBInit()

	// Start the app
	switch fApp {
	case "":
		return
	case "oms":
		err = startOMS(stopCh)
	case "ems":
		err = startEMS(stopCh)
	case "bm":
		err = PrepareForBenchmark()
	case "jm":
		err = startJournalMonitor()
	default:
		return
	}

	if err != nil {
		logger.Error(err)
		panic(err)
	}
}

// handleSignals handles linux signals
//
//	Function 1: Change log level via SIGUSR1 signal
//		docker exec <container_id> sh -c 'export XLOG_LVL=TRACE && kill -SIGUSR1 1'
//	Function 2: Drain the engine on SIGTERM/SIGINT
func handleSignals(stopCh chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			// Read log level from environment variable
			level := os.Getenv("XLOG_LVL")
			if level != "" {
				logger.SetLevel(level)
				logger.Infof("Log level set to %s via signal", level)
			}
		case syscall.SIGTERM, syscall.SIGINT:
			logger.Infof("received %s, draining", sig)
			close(stopCh)
			return
		}
	}
}

// dispatcher returns the configured webhook dispatcher, or the logging one
// when NATS is disabled.
func dispatcher() (events.Dispatcher, error) {
	if !config.Shared.Nats.Main.Enabled {
		return events.LogDispatcher{}, nil
	}
	return events.NewNatsDispatcher()
}

// openJournal opens the per-instance lifecycle journal under the data dir.
func openJournal(name string) (*journal.Journal, error) {
	dir := filepath.Join(config.Shared.DataDir, "journal")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return journal.New(filepath.Join(dir, strings.ToLower(name)+".log"))
}

func startOMS(stopCh chan struct{}) (err error) {
	eng := config.Shared.Engine

	disp, err := dispatcher()
	if err != nil {
		return
	}

	jnl, err := openJournal("oms_" + fID)
	if err != nil {
		return
	}
	defer jnl.Close()

	bus := events.NewBus()
	if config.Shared.Redis.Main.Enabled {
		events.NewMirror(model.GetRedis()).Attach(bus)
	}

	prof := routing.Profile{
		DefaultVenue: eng.DefaultVenue,
	}

	omsw, err := oms.New(oms.Options{
		ID:            fID,
		DB:            model.GetMySQL(),
		Profiles:      defaultProfiles{prof},
		Calendar:      routing.WeekendCalendar{},
		Approver:      routing.AutoApprover{},
		Dispatcher:    disp,
		Bus:           bus,
		Journal:       jnl,
		Pool:          eng.EMSPool,
		Batch:         eng.BatchSize,
		Timeout:       time.Duration(eng.PollTimeoutMS) * time.Millisecond,
		OrphanTimeout: time.Duration(eng.OrphanTimeoutSec) * time.Second,
		LeaseTTL:      eng.LeaseTTLSec,
	})
	if err != nil {
		return
	}

	go func() {
		<-stopCh
		omsw.Stop()
	}()

	return omsw.Run()
}

func startEMS(stopCh chan struct{}) (err error) {
	if fVenue == "" {
		return errors.New("empty venue")
	}

	eng := config.Shared.Engine

	disp, err := dispatcher()
	if err != nil {
		return
	}

	jnl, err := openJournal("ems_" + fVenue + "_" + fID)
	if err != nil {
		return
	}
	defer jnl.Close()

	bus := events.NewBus()
	if config.Shared.Redis.Main.Enabled {
		events.NewMirror(model.GetRedis()).Attach(bus)
	}

	venue, err := buildVenue(fVenue)
	if err != nil {
		return
	}

	emsw, err := ems.New(ems.Options{
		ID:            fID,
		Venue:         venue,
		DB:            model.GetMySQL(),
		Dispatcher:    disp,
		Bus:           bus,
		Journal:       jnl,
		Redis:         model.GetRedis(),
		Batch:         eng.BatchSize,
		Timeout:       time.Duration(eng.PollTimeoutMS) * time.Millisecond,
		ReminderEvery: time.Duration(eng.ReminderIntervalMin) * time.Minute,
		LeaseTTL:      eng.LeaseTTLSec,
		Regen:         fRegen,
	})
	if err != nil {
		return
	}

	go func() {
		<-stopCh
		emsw.Stop()
	}()

	return emsw.Run()
}

// buildVenue wires the venue adapter for the requested class. Real venue
// API clients plug in here; the simulated client serves dev and benchmark.
func buildVenue(class string) (ems.Venue, error) {
	switch class {
	case "generic":
		return &ems.GenericVenue{Class: class, Client: ems.NewSimClient()}, nil
	case "rfq":
		return &ems.RFQVenue{GenericVenue: ems.GenericVenue{Class: class, Client: ems.NewSimClient()}}, nil
	case "multi":
		return &ems.MultiVenue{
			Class: class,
			Venues: map[string]ems.Venue{
				"generic": &ems.GenericVenue{Class: "generic", Client: ems.NewSimClient()},
				"rfq":     &ems.RFQVenue{GenericVenue: ems.GenericVenue{Class: "rfq", Client: ems.NewSimClient()}},
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown venue class %s", class)
	}
}

// defaultProfiles serves one profile to every company, for deployments
// without a per-company profile store.
type defaultProfiles struct {
	def routing.Profile
}

func (p defaultProfiles) Get(company int64) (routing.Profile, error) {
	prof := p.def
	prof.Company = company
	return prof, nil
}

// startJournalMonitor prints journal throughput every 30 seconds
//
//	Function 1: Traverse all journal files ending with .log,
//		read the first and last event of each file,
//		calculate the time and volume difference, and output
func startJournalMonitor() (err error) {
	for {
		time.Sleep(30 * time.Second)
		err = runJournalMonitorOne()
		if err != nil {
			logger.Errorf("runJournalMonitorOne failed with err:%s", err)
		}
	}
}

func runJournalMonitorOne() (err error) {
	journalDir := filepath.Join(config.Shared.DataDir, "journal")

	return filepath.Walk(journalDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".log") {
			return nil
		}

		j, err := journal.New(path)
		if err != nil {
			return err
		}
		defer j.Close()

		firstLine, err := j.ReadFirstLine()
		if err != nil {
			return err
		}
		lastLine, err := j.ReadLastLine()
		if err != nil {
			return err
		}

		var first, last journal.Event
		if err := json.Unmarshal([]byte(firstLine), &first); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(lastLine), &last); err != nil {
			return err
		}

		duration := time.Duration(last.Ts-first.Ts) * time.Nanosecond
		lastTime := time.Unix(0, last.Ts)

		fmt.Printf(
			"Journal: %s spans %s, last event %s %s -> %s at %s\n",
			path, duration, last.Ticket, last.From, last.To, lastTime.Format(time.RFC3339),
		)
		return nil
	})
}
