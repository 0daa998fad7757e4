// Command migrate applies or rolls back the user store's schema
// (internal/storage), driving github.com/golang-migrate/migrate/v4 with
// its pure-Go sqlite driver so the tool stays cgo-free like the rest of
// the module.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	dbPath := flag.String("db", "gateway.db", "path to the SQLite database file")
	dir := flag.String("dir", "migrations", "path to the migrations directory")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-db path] [-dir path] <up|down|version|force <version>>")
		os.Exit(2)
	}

	m, err := newMigrator(*dir, *dbPath)
	if err != nil {
		slog.Error("failed to initialize migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		var version uint
		version, _, err = m.Version()
		if err == nil {
			fmt.Printf("version %d\n", version)
		}
	case "force":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: migrate force <version>")
			os.Exit(2)
		}
		var version int
		version, err = parseVersion(flag.Arg(1))
		if err == nil {
			err = m.Force(version)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("migration complete", "command", flag.Arg(0))
}

func newMigrator(dir, dbPath string) (*migrate.Migrate, error) {
	return migrate.New(fmt.Sprintf("file://%s", dir), fmt.Sprintf("sqlite://%s", dbPath))
}

func parseVersion(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
