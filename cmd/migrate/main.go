package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"rewardledger/internal/config"
	"rewardledger/internal/repository"
)

func main() {
	dsn := pflag.String("dsn", "", "Postgres DSN (defaults to the REWARD_POSTGRES_* environment)")
	timeout := pflag.Duration("timeout", 10*time.Minute, "overall migration timeout")
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [--dsn DSN] [--timeout D] command [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, redo, version, up-to N, down-to N")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	args := pflag.Args()

	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: migration command is required")
		pflag.Usage()
		os.Exit(1)
	}

	if *dsn == "" {
		cfg, err := config.New()
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		*dsn = cfg.DSN()
	}

	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log.Printf("Starting migration: %s", command)

	if err := repository.RunMigrations(ctx, *dsn, command, args[1:]...); err != nil {
		log.Fatalf("Migration error: %v", err)
	}

	fmt.Println("Migration finished successfully")
}
