// Command verify-audit recomputes the content hash of every audit event in
// the database and reports rows whose stored hash no longer matches. A
// mismatch means the row was altered after it was recorded.
//
// Usage:
//
//	KINDRED_DATABASE_URL=postgres://... go run ./scripts/verify-audit
//
// Exits 0 when every hash checks out, 1 on any mismatch. Read-only; never
// rewrites stored hashes — a tampered row should stay visibly tampered.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/thinkalike/kindred/internal/integrity"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("KINDRED_DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("KINDRED_DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT id, kind, actor_id, subject_id, session_id, payload, content_hash, recorded_at
		 FROM audit_events
		 ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var checked, mismatched int
	for rows.Next() {
		var (
			id         int64
			kind       string
			actorID    *uuid.UUID
			subjectID  *uuid.UUID
			sessionID  *uuid.UUID
			payload    []byte
			stored     string
			recordedAt time.Time
		)
		if err := rows.Scan(&id, &kind, &actorID, &subjectID, &sessionID, &payload, &stored, &recordedAt); err != nil {
			return fmt.Errorf("scan: %w", err)
		}

		checked++
		computed := integrity.ComputeEventHash(kind, actorID, subjectID, sessionID, payload, recordedAt)
		if computed != stored {
			mismatched++
			fmt.Printf("MISMATCH event %d (%s): stored %s, computed %s\n", id, kind, stored, computed)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate: %w", err)
	}

	fmt.Printf("checked %d events, %d mismatched\n", checked, mismatched)
	if mismatched > 0 {
		return fmt.Errorf("audit trail verification failed")
	}
	return nil
}
