// Command migrate manages the automation engine's PostgreSQL schema.
//
//	migrate [-database URL] [-path dir] <up|down|version|force N>
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	databaseURL := flag.String("database", os.Getenv("DATABASE_URL"), "postgres URL (defaults to DATABASE_URL)")
	path := flag.String("path", "migrations", "migrations directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <up|down|version|force N>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("no database URL: set -database or DATABASE_URL")
	}

	m, err := migrate.New("file://"+*path, *databaseURL)
	if err != nil {
		log.Fatalf("open migrations at %s: %v", *path, err)
	}
	defer m.Close()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	switch cmd {
	case "up":
		if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
			log.Println("schema already up to date")
		} else if err != nil {
			log.Fatalf("migrate up: %v", err)
		} else {
			log.Println("schema migrated")
		}

	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("schema rolled back")

	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			log.Fatalf("read schema version: %v", err)
		}
		log.Printf("schema version %d (dirty=%v)", v, dirty)

	case "force":
		var v int
		if _, err := fmt.Sscanf(flag.Arg(1), "%d", &v); err != nil {
			log.Fatalf("force needs a version number: %v", err)
		}
		if err := m.Force(v); err != nil {
			log.Fatalf("force schema version: %v", err)
		}
		log.Printf("schema version forced to %d", v)

	default:
		flag.Usage()
		os.Exit(2)
	}
}
