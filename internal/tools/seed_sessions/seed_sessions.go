package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/dbconfig"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/store"
)

// Seeds a handful of demo sessions so a fresh database has something to
// join against during development.
func main() {
	ctx := context.Background()

	cfg := dbconfig.NewConfigFromEnv()
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewPostgresStore(db)
	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	sessions := []*models.Session{
		{
			ID:             uuid.New(),
			CallerID:       uuid.New(),
			Status:         models.SessionStatusPending,
			GameType:       models.GameType90Ball,
			ActivePatterns: []models.PatternID{models.PatternOneLine, models.PatternTwoLines, models.PatternFullHouse},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		{
			ID:             uuid.New(),
			CallerID:       uuid.New(),
			Status:         models.SessionStatusPending,
			GameType:       models.GameType75Ball,
			ActivePatterns: []models.PatternID{models.PatternOneLine, models.PatternFourCorners},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		{
			ID:             uuid.New(),
			CallerID:       uuid.New(),
			Status:         models.SessionStatusActive,
			GameType:       models.GameType90Ball,
			ActivePatterns: []models.PatternID{models.PatternFullHouse},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	var inserted, errs int
	for _, session := range sessions {
		if err := st.PutSession(ctx, session); err != nil {
			fmt.Fprintf(os.Stderr, "error seeding session %s: %v\n", session.ID, err)
			errs++
			continue
		}
		inserted++
		fmt.Printf("seeded session %s (%s, %v)\n", session.ID, session.GameType, session.ActivePatterns)
	}

	fmt.Printf("Session seed complete: %d total, %d inserted, %d errors\n", len(sessions), inserted, errs)
}
