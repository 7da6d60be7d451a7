package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"minichat/auth"
	"minichat/chat"
	"minichat/export"
	"minichat/gateway"
	"minichat/presence"
	"minichat/rest"
	"minichat/store"
	"minichat/ws"
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile  = flag.String("pid-file", "minichat.pid", "pid file")
	flagMysqlDsn = flag.String("mysql-dsn", "", "mysql server dsn, e.g. root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci")
	flagBoltPath = flag.String("bolt-path", "", "embedded bbolt db path for standalone mode; mutually exclusive with --mysql-dsn")

	flagJWTSecret = flag.String("jwt-secret", "", "HS256 secret shared with the auth service")
	flagMockAuth  = flag.Bool("mock-auth", false, "trust x-uid cookie/header instead of JWT, dev only")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers for event export; empty disables export")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-events", "kafka topic for event export")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("minichat server is starting")

	// Store: MySQL in production, bbolt standalone.
	var (
		messages store.MessageStore
		users    store.UserStore
		db       *sql.DB
	)
	if *flagBoltPath != "" {
		bs, err := store.NewBoltStore(*flagBoltPath)
		if err != nil {
			return errorf("bolt store: %v", err)
		}
		defer bs.Close()
		messages, users = bs, bs
	} else {
		var err error
		db, err = sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		ms := store.NewMySQLStore(db)
		messages, users = ms, ms
	}

	broker := gateway.NewBroker()

	var tap *export.KafkaTap
	if *flagKafkaBrokers != "" {
		tap = export.NewKafkaTap(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic)
		broker.SetTap(tap)
	}

	registry := presence.NewRegistry(broker)
	pipeline := chat.NewPipeline(messages, registry, broker)
	typing := chat.NewTypingRelay(registry, broker)
	hub := ws.NewHub(newAuthClient(), registry, broker, pipeline, typing)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	rest.NewAPI(newAuthClient(), users, messages, registry).Register(mux)

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}

	httpServer := &http.Server{Handler: mux}
	go func() {
		glog.Infof("http server is listening %v", *flagAddr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http mux server: %v", err)
		}
	}()

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("minichat server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s`, stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = httpServer.Shutdown(ctx)
				cancel()

				hub.CloseAll()

				if tap != nil {
					_ = tap.Close()
				}
				if db != nil {
					_ = db.Close()
				}

				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("minichat server exited")
	return 0
}

func newAuthClient() auth.Client {
	if *flagMockAuth {
		return &auth.MockClient{}
	}
	return auth.NewJWTClient([]byte(*flagJWTSecret))
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	if *flagMysqlDsn == "" && *flagBoltPath == "" {
		return errorf("one of --mysql-dsn or --bolt-path is required")
	}
	if *flagMysqlDsn != "" && *flagBoltPath != "" {
		return errorf("--mysql-dsn and --bolt-path are mutually exclusive")
	}

	if !*flagMockAuth && *flagJWTSecret == "" {
		return errorf("--jwt-secret is required unless --mock-auth is set")
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required with --kafka-brokers")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	return nil
}

func errorf(format string, args ...interface{}) int {
	glog.Errorf(format, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here.
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
