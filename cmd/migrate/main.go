package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"convosync/config"
	"convosync/internal/repository"
	"convosync/pkg/database"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const usage = `
Convosync - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up          Create tables and indexes
  down        Drop every table (DANGEROUS)
  status      Show connection status and row counts
  seed-dev    Seed development users, conversations and messages
  reset       Drop every table and recreate the schema (DANGEROUS)

Flags:
  -yes        Skip the confirmation delay of down and reset

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate seed-dev
  go run ./cmd/migrate reset -yes
`

func main() {
	yes := flag.Bool("yes", false, "Skip the confirmation delay")
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	cfg := config.LoadConfig()
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer pool.Close()

	switch command {
	case "up":
		runMigrationsUp(ctx, pool)
	case "down":
		confirm(*yes)
		runMigrationsDown(ctx, pool)
	case "status":
		showStatus(ctx, pool)
	case "seed-dev":
		runSeedDevelopment(ctx, pool)
	case "reset":
		confirm(*yes)
		runMigrationsDown(ctx, pool)
		runMigrationsUp(ctx, pool)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func confirm(yes bool) {
	if yes {
		return
	}
	log.Println("WARNING: this drops every table. Press Ctrl+C within 5 seconds to cancel...")
	time.Sleep(5 * time.Second)
}

func runMigrationsUp(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("Running migrations UP...")
	if err := repository.InitSchema(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations completed successfully!")
}

func runMigrationsDown(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("Dropping tables...")
	if err := repository.DropSchema(ctx, pool); err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}
	log.Println("Tables dropped.")
}

func showStatus(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("Database connection: OK")
	for _, table := range repository.Tables {
		count, err := repository.TableCount(ctx, pool, table)
		if err != nil {
			log.Printf("Table %-20s unavailable: %v", table, err)
			continue
		}
		log.Printf("Table %-20s exists (%d rows)", table, count)
	}
}

func runSeedDevelopment(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("Seeding database (development mode)...")
	store := repository.NewPostgresStore(pool, uuid.NewString)
	result, err := database.Seed(ctx, store, database.DefaultSeedConfig())
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Println("Seed Summary:")
	log.Printf("   - Users: %d", len(result.Users))
	log.Printf("   - Conversations: %d", len(result.Conversations))
	log.Printf("   - Messages: %d", len(result.Messages))
	log.Println("Development seeding completed!")
}
