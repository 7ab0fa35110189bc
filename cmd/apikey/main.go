// Command apikey issues a scanner API key. The plaintext key is printed once;
// only its bcrypt hash is stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/beaconattend/internal/auth"
	"gitea.jw6.us/james/beaconattend/internal/config"
	"gitea.jw6.us/james/beaconattend/internal/store"
)

func main() {
	name := flag.String("name", "", "human readable scanner name (required)")
	id := flag.String("id", "", "key id (UUID); a random one is generated when empty")
	printOnly := flag.Bool("print-only", false, "print the key and hash without storing them (for seed files)")
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		flag.Usage()
		os.Exit(2)
	}
	keyID := *id
	if keyID == "" {
		keyID = uuid.NewString()
	}
	if _, err := uuid.Parse(keyID); err != nil {
		log.Fatalf("key id must be a UUID: %v", err)
	}

	gen, err := auth.GenerateKey(keyID, *name)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	if !*printOnly {
		if err := storeKey(gen.Record); err != nil {
			log.Fatalf("failed to store key: %v", err)
		}
	}

	fmt.Printf("id:      %s\n", gen.Record.ID)
	fmt.Printf("name:    %s\n", gen.Record.Name)
	fmt.Printf("key:     %s\n", gen.Plaintext)
	if *printOnly {
		fmt.Printf("keyHash: %s\n", gen.Record.KeyHash)
	}
	fmt.Fprintln(os.Stderr, "The key is shown once. Configure it on the scanner as the x-api-key header.")
}

func storeKey(rec store.APIKey) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DB.Driver != config.DriverPostgres {
		return fmt.Errorf("APP_DB_DRIVER=%s keeps no keys; use -print-only and add the hash to the seed file", cfg.DB.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("create db pool: %w", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	_, err = store.New(pool).APIKeys.Create(ctx, rec)
	return err
}
