package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/rawblock/attestia/internal/api"
	"github.com/rawblock/attestia/internal/db"
)

func main() {
	log.Println("Starting Attestia attestation node...")

	// Credentials come from environment variables only. Use a .env file for
	// local development: cp .env.example .env && edit .env

	ctx := context.Background()

	var dbConn *db.PostgresStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		conn, err := db.Connect(ctx, dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without durable attestation history. Error: %v", err)
		} else {
			dbConn = conn
			defer dbConn.Close()
			if err := dbConn.InitSchema(ctx); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	} else {
		log.Println("DATABASE_URL not set, attestation history is in-memory only")
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	r := api.SetupRouter(api.Config{
		DB:            dbConn,
		Hub:           wsHub,
		VerifierID:    getEnvOrDefault("VERIFIER_ID", "attestia-node"),
		VerifierLabel: os.Getenv("VERIFIER_LABEL"),
		AttestedBy:    getEnvOrDefault("ATTESTED_BY", "attestia-node"),
		MinVerifiers:  getEnvIntOrDefault("MIN_VERIFIERS", 1),
		RatePerMin:    getEnvIntOrDefault("RATE_LIMIT_PER_MIN", 120),
		Burst:         getEnvIntOrDefault("RATE_LIMIT_BURST", 30),
	})

	port := getEnvOrDefault("PORT", "5440")
	log.Printf("Attestation node listening on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnvOrDefault returns the env var value or a safe default for non-secret
// settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("FATAL: environment variable %s must be an integer, got %q", key, val)
	}
	return n
}
