package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/panelauth/internal/config"
	"github.com/example/panelauth/internal/dbmigrate"
	"github.com/example/panelauth/internal/logger"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	log = logger.WithComponent(log, "migrate")

	if cfg.DBAdapter != "postgres" {
		log.Error("migrations only work with PostgreSQL", "adapter", cfg.DBAdapter)
		os.Exit(1)
	}

	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	r, err := dbmigrate.Open(migrationsDir, cfg.PostgresDSN, log)
	if err != nil {
		log.Error("opening migrations", "error", err)
		os.Exit(1)
	}
	code := run(r, log, *command, *steps, *version)
	if err := r.Close(); err != nil {
		log.Warn("closing migrations", "error", err)
	}
	os.Exit(code)
}

// migrator is the part of *dbmigrate.Runner the commands use.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (uint, bool, error)
}

// run executes one command and returns the process exit code. It never
// exits, so the caller can close the runner.
func run(r migrator, log *slog.Logger, command string, steps int, version uint) int {
	fail := func(msg string, err error) int {
		log.Error(msg, "error", err)
		return 1
	}

	switch command {
	case "up":
		var err error
		if steps > 0 {
			err = r.Steps(steps)
		} else {
			err = r.Up()
		}
		if err != nil {
			return fail("migration up failed", err)
		}
		log.Info("migrations applied")
	case "down":
		var err error
		if steps > 0 {
			err = r.Steps(-steps)
		} else {
			err = r.Down()
		}
		if err != nil {
			return fail("migration down failed", err)
		}
		log.Info("migrations rolled back")
	case "version":
		v, dirty, err := r.Version()
		if err != nil {
			return fail("reading version", err)
		}
		if dirty {
			log.Warn("database is in a dirty state", "version", v)
			return 1
		}
		log.Info("current migration version", "version", v)
	case "force":
		if version == 0 {
			return fail("version required for force command", fmt.Errorf("use -version"))
		}
		if err := r.Force(int(version)); err != nil {
			return fail("force migration failed", err)
		}
		log.Info("forced database version", "version", version)
	default:
		return fail("unknown command", fmt.Errorf("%s (supported: up, down, version, force)", command))
	}
	return 0
}
