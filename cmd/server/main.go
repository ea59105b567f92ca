// Package main provides the entry point for the OnlyCat bridge.
// The bridge validates OnlyCat access tokens, keeps the resulting config entries
// and exposes the setup flow over a small management API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/buildinfo"
	"github.com/catflap-labs/onlycat-bridge/internal/cmd"
	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/logging"
	"github.com/catflap-labs/onlycat-bridge/internal/setup"
	"github.com/catflap-labs/onlycat-bridge/internal/store"
	"github.com/catflap-labs/onlycat-bridge/internal/tui"
	"github.com/catflap-labs/onlycat-bridge/internal/util"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	os.Exit(run())
}

// run parses flags, loads configuration, selects the entry store and dispatches
// to the requested mode (setup, list or service). It returns the exit code.
func run() int {
	var configPath string
	var doSetup bool
	var token string
	var noTUI bool
	var list bool
	var locale string

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&doSetup, "setup", false, "Connect an OnlyCat account")
	flag.StringVar(&token, "token", "", "OnlyCat access token for non-interactive setup")
	flag.BoolVar(&noTUI, "no-tui", false, "Prompt on stdin instead of showing the setup form")
	flag.BoolVar(&list, "list", false, "List configured entries")
	flag.StringVar(&locale, "locale", "en", "Setup form language (en, zh)")

	flag.CommandLine.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "Usage of %s\n", os.Args[0])
		flag.CommandLine.VisitAll(func(f *flag.Flag) {
			s := fmt.Sprintf("  -%s", f.Name)
			name, unquoteUsage := flag.UnquoteUsage(f)
			if name != "" {
				s += " " + name
			}
			if len(s) <= 4 {
				s += "	"
			} else {
				s += "\n    "
			}
			if unquoteUsage != "" {
				s += unquoteUsage
			}
			if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" {
				s += fmt.Sprintf(" (default %s)", f.DefValue)
			}
			_, _ = fmt.Fprint(out, s+"\n")
		})
	}
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return 1
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return 1
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return 1
	}
	log.Infof("OnlyCat bridge Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	util.SetLogLevel(cfg)

	if resolvedEntryDir, errResolve := util.ResolveEntryDir(cfg.EntryDir); errResolve != nil {
		log.Errorf("failed to resolve entry directory: %v", errResolve)
		return 1
	} else {
		cfg.EntryDir = resolvedEntryDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entryStore, closeStore, err := openEntryStore(ctx, cfg, wd)
	if err != nil {
		log.Errorf("failed to open entry store: %v", err)
		return 1
	}
	defer closeStore()

	registry := entry.NewRegistry(entryStore)
	loadCtx, cancelLoad := context.WithTimeout(ctx, 30*time.Second)
	err = registry.WaitLoaded(loadCtx, 2*time.Second)
	cancelLoad()
	if err != nil {
		log.Errorf("failed to load entries: %v", err)
		return 1
	}

	flowStore, closeFlowStore, err := openFlowStore(ctx)
	if err != nil {
		log.Errorf("failed to open flow store: %v", err)
		return 1
	}
	defer closeFlowStore()

	manager := flow.NewManager(registry, flowStore)
	setup.Register(manager, cfg)

	switch {
	case list:
		if errList := cmd.DoList(registry, "", os.Stdout); errList != nil {
			log.Errorf("failed to list entries: %v", errList)
			return 1
		}
	case doSetup || token != "":
		tui.SetLocale(locale)
		if _, errSetup := cmd.DoSetup(ctx, manager, &cmd.SetupOptions{Token: token, NoTUI: noTUI}); errSetup != nil {
			if errors.Is(errSetup, tui.ErrCancelled) {
				fmt.Println(tui.T("aborted"))
				return 0
			}
			fmt.Fprintf(os.Stderr, "Setup failed: %v\n", errSetup)
			return 1
		}
	default:
		entryDir := cfg.EntryDir
		if dirStore, ok := entryStore.(interface{ EntryDir() string }); ok {
			entryDir = dirStore.EntryDir()
		}
		if errRun := cmd.StartService(ctx, cfg, configPath, manager, registry, entryDir); errRun != nil {
			log.Errorf("service stopped: %v", errRun)
			return 1
		}
	}
	return 0
}

func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// openEntryStore selects the entry backend. Postgres wins over the object store,
// which wins over git; without any of them entries are plain files in entry-dir.
func openEntryStore(ctx context.Context, cfg *config.Config, wd string) (entry.Store, func(), error) {
	noop := func() {}
	localBase := func(envKeys ...string) string {
		if value, ok := lookupEnv(envKeys...); ok {
			return value
		}
		if writable := util.WritablePath(); writable != "" {
			return writable
		}
		return wd
	}

	if dsn, ok := lookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		schema, _ := lookupEnv("PGSTORE_SCHEMA", "pgstore_schema")
		spool := filepath.Join(localBase("PGSTORE_LOCAL_PATH", "pgstore_local_path"), "pgstore")
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		pg, err := store.NewPostgresStore(initCtx, store.PostgresStoreConfig{DSN: dsn, Schema: schema, SpoolDir: spool})
		if err != nil {
			return nil, noop, err
		}
		if err = pg.Bootstrap(initCtx); err != nil {
			_ = pg.Close()
			return nil, noop, err
		}
		log.Infof("postgres-backed entry store enabled, spool path: %s", pg.EntryDir())
		return pg, func() { _ = pg.Close() }, nil
	}

	if endpoint, ok := lookupEnv("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		resolvedEndpoint, useSSL, err := parseObjectEndpoint(endpoint)
		if err != nil {
			return nil, noop, err
		}
		accessKey, _ := lookupEnv("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key")
		secretKey, _ := lookupEnv("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key")
		bucket, _ := lookupEnv("OBJECTSTORE_BUCKET", "objectstore_bucket")
		obj, err := store.NewObjectEntryStore(store.ObjectStoreConfig{
			Endpoint:  resolvedEndpoint,
			Bucket:    bucket,
			AccessKey: accessKey,
			SecretKey: secretKey,
			LocalRoot: filepath.Join(localBase("OBJECTSTORE_LOCAL_PATH", "objectstore_local_path"), "objectstore"),
			UseSSL:    useSSL,
			PathStyle: true,
		})
		if err != nil {
			return nil, noop, err
		}
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err = obj.Bootstrap(initCtx); err != nil {
			return nil, noop, err
		}
		log.Infof("object-backed entry store enabled, bucket: %s", bucket)
		return obj, noop, nil
	}

	if remote, ok := lookupEnv("GITSTORE_GIT_URL", "gitstore_git_url"); ok {
		username, _ := lookupEnv("GITSTORE_GIT_USERNAME", "gitstore_git_username")
		password, _ := lookupEnv("GITSTORE_GIT_TOKEN", "gitstore_git_token")
		repoDir := filepath.Join(localBase("GITSTORE_LOCAL_PATH", "gitstore_local_path"), "gitstore")
		gitStore := store.NewGitEntryStore(remote, username, password, repoDir)
		if err := gitStore.EnsureRepository(); err != nil {
			return nil, noop, err
		}
		log.Infof("git-backed entry store enabled, repository path: %s", repoDir)
		return gitStore, noop, nil
	}

	if err := os.MkdirAll(cfg.EntryDir, 0o700); err != nil {
		return nil, noop, fmt.Errorf("create entry directory: %w", err)
	}
	return entry.NewFileStore(cfg.EntryDir), noop, nil
}

// parseObjectEndpoint strips an optional http/https scheme from endpoint and
// reports whether TLS should be used.
func parseObjectEndpoint(endpoint string) (string, bool, error) {
	resolved := strings.TrimSpace(endpoint)
	useSSL := true
	if strings.Contains(resolved, "://") {
		parsed, errParse := url.Parse(resolved)
		if errParse != nil {
			return "", false, fmt.Errorf("parse object store endpoint %q: %w", endpoint, errParse)
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http":
			useSSL = false
		case "https":
			useSSL = true
		default:
			return "", false, fmt.Errorf("unsupported object store scheme %q (only http and https are allowed)", parsed.Scheme)
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("object store endpoint %q is missing host information", endpoint)
		}
		resolved = parsed.Host
		if parsed.Path != "" && parsed.Path != "/" {
			resolved = strings.TrimSuffix(parsed.Host+parsed.Path, "/")
		}
	}
	return strings.TrimRight(resolved, "/"), useSSL, nil
}

// openFlowStore keeps in-progress flows in redis when FLOWSTORE_REDIS_ADDR is
// set, so several bridge instances can serve the same flow.
func openFlowStore(ctx context.Context) (flow.Store, func(), error) {
	addr, ok := lookupEnv("FLOWSTORE_REDIS_ADDR", "flowstore_redis_addr")
	if !ok {
		return flow.NewMemoryStore(flow.DefaultFlowTTL), func() {}, nil
	}
	password, _ := lookupEnv("FLOWSTORE_REDIS_PASSWORD", "flowstore_redis_password")
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := flow.DialRedis(dialCtx, addr, password)
	if err != nil {
		return nil, func() {}, err
	}
	log.Infof("redis-backed flow store enabled: %s", addr)
	return flow.NewRedisStore(client, flow.DefaultFlowTTL), func() { _ = client.Close() }, nil
}
