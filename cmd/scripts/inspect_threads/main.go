package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/carex-health/carex-server/internal/db"
	"github.com/carex-health/carex-server/internal/utils"
)

// Maintenance script: prints every chat thread with its owner and message
// count. Useful for checking cascade behaviour after manual cleanup.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	store, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	const query = `SELECT t.id, t.title, t.created_by, t.updated_at, COUNT(m.id)
		FROM chat_threads t
		LEFT JOIN chat_messages m ON m.thread_id = t.id
		GROUP BY t.id
		ORDER BY t.updated_at DESC`

	rows, err := store.Pool.Query(ctx, query)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	fmt.Println("threads:")
	for rows.Next() {
		var id, title, owner string
		var updatedAt time.Time
		var count int
		if err := rows.Scan(&id, &title, &owner, &updatedAt, &count); err != nil {
			panic(err)
		}
		fmt.Printf("- %s %q owner=%s messages=%d updated=%s\n", id, title, owner, count, updatedAt.Format(time.RFC3339))
	}

	if rows.Err() != nil {
		panic(rows.Err())
	}
}
