package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"docsign.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = pflag.String("dsn", os.Getenv("DOCSIGN_PG_DSN"), "PostgreSQL DSN")
		dir     = pflag.String("migrations", "", "directory with *.up.sql/*.down.sql files (default: embedded)")
		timeout = pflag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or DOCSIGN_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var mgr *migrate.Manager
	if *dir != "" {
		mgr = migrate.NewManager(db, os.DirFS(*dir))
	} else {
		mgr = migrate.NewManager(db, nil)
	}

	switch pflag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil && name != "" {
			fmt.Println("reverted", name)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}
