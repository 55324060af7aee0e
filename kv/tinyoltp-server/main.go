package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyoltp/kv/config"
	"github.com/pingcap-incubator/tinyoltp/kv/replication"
	"github.com/pingcap-incubator/tinyoltp/kv/txn"
	"github.com/pingcap-incubator/tinyoltp/kv/wal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configPath  = flag.String("config", "", "config file path")
	logDir      = flag.String("log-dir", "", "log directory")
	primaryAddr = flag.String("primary", "", "primary address for log shipping")
	asBackup    = flag.Bool("backup", false, "run as a replication backup")
	reset       = flag.Bool("reset", false, "truncate log and checkpoint files before starting (primary only)")
	statusAddr  = flag.String("status", "", "status/metrics listen address")
)

// How often a checkpoint-enabled primary snapshots its store.
const chkptInterval = 5 * time.Minute

func main() {
	flag.Parse()
	conf := loadConfig()
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Infof("conf %+v", conf)

	if *statusAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			log.Infof("status listening on %v", *statusAddr)
			if err := http.ListenAndServe(*statusAddr, nil); err != nil {
				log.Fatal(err)
			}
		}()
	}

	if conf.IsBackup {
		runBackup(conf)
	} else {
		runPrimary(conf)
	}
}

func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, conf); err != nil {
			panic(err)
		}
	}
	if *logDir != "" {
		conf.LogDir = *logDir
	}
	if *primaryAddr != "" {
		conf.PrimaryAddr = *primaryAddr
	}
	if *asBackup {
		conf.IsBackup = true
	}
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}
	return conf
}

func runPrimary(conf *config.Config) {
	if *reset {
		if err := wal.ResetPrimaryLogDir(conf.LogDir); err != nil {
			log.Fatal(err)
		}
	}
	db, err := txn.Open(conf)
	if err != nil {
		log.Fatal(err)
	}
	primary := replication.NewPrimary(conf, db.Log())
	if err := primary.Start(); err != nil {
		log.Fatal(err)
	}
	db.Log().StartFlusher()
	if conf.EnableChkpt {
		go func() {
			ticker := time.NewTicker(chkptInterval)
			defer ticker.Stop()
			for range ticker.C {
				if err := db.Checkpoint(); err != nil {
					log.Errorf("checkpoint: %v", err)
				}
			}
		}()
	}

	waitForSignal()
	primary.Stop()
	if err := db.Stop(); err != nil {
		log.Fatal(err)
	}
	log.Info("Primary stopped.")
}

func runBackup(conf *config.Config) {
	backup, err := replication.StartBackup(conf)
	if err != nil {
		log.Fatal(err)
	}

	waitForSignal()
	if err := backup.Stop(); err != nil {
		log.Fatal(err)
	}
	log.Info("Backup stopped.")
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)
}
