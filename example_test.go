package duraq_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/duraq/duraq"
	"github.com/duraq/duraq/driver/sqlitedriver"
)

// SortEmailArgs is a toy worker used purely to demonstrate the Insert/Start
// wiring below; real workers live in the embedding application.
type SortEmailArgs struct {
	To string `json:"to"`
}

func (SortEmailArgs) Worker() string { return "sort_email" }

type SortEmailWorker struct {
	duraq.WorkerDefaults[SortEmailArgs]
}

func (w *SortEmailWorker) Work(ctx context.Context, job *duraq.Job[SortEmailArgs]) error {
	fmt.Println("delivering to", job.Args.To)
	return nil
}

// Example demonstrates wiring a colorized development logger with tint into
// a Client running against the SQLite engine.
func Example() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))

	workers := duraq.NewWorkers()
	duraq.AddWorker(workers, &SortEmailWorker{})

	db, err := sqlitedriver.OpenMemory()
	if err != nil {
		panic(err)
	}

	client, err := duraq.NewClient(sqlitedriver.New(db), nil, &duraq.Config{
		Logger:   logger,
		Workers:  workers,
		TestMode: duraq.TestModeInline,
	})
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	if _, err := client.Insert(ctx, SortEmailArgs{To: "marge@example.com"}, nil); err != nil {
		panic(err)
	}

	// Output:
	// delivering to marge@example.com
}
