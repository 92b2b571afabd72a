package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jfellows/gamedex/internal/importer"
)

func handleImportCommand(ctx context.Context, args []string) {
	switch args[0] {
	case "start":
		handleImportStart(ctx, args[1:])
	case "status":
		if len(args) < 2 {
			fmt.Println("Usage: gamedex import status <job-id>")
			os.Exit(1)
		}
		handleImportStatus(ctx, args[1])
	case "wait":
		if len(args) < 2 {
			fmt.Println("Usage: gamedex import wait <job-id>")
			os.Exit(1)
		}
		handleImportWait(ctx, args[1])
	default:
		fmt.Printf("Unknown import command: %s\n", args[0])
		os.Exit(1)
	}
}

func handleImportStart(ctx context.Context, args []string) {
	var userID, platform string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user":
			if i+1 < len(args) {
				i++
				userID = args[i]
			}
		case "--platform":
			if i+1 < len(args) {
				i++
				platform = args[i]
			}
		default:
			PrintError("Error: unknown import option: %s\n", args[i])
			os.Exit(1)
		}
	}
	if userID == "" {
		PrintError("Error: import start requires --user\n")
		os.Exit(1)
	}

	database, repo, engine, err := buildEngine(ctx)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	manager, err := buildImporter(database, repo, engine)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	defer manager.Close()

	job, err := manager.Submit(ctx, userID, platform)
	if err != nil {
		PrintError("Error: failed to submit import: %v\n", err)
		os.Exit(1)
	}
	PrintInfo("Import job %s submitted\n", job.ID)

	// The manager runs inside this process, so exiting before the job
	// finishes would abandon it.
	done, err := manager.AwaitTerminal(job.ID)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	reportJob(done)
}

func handleImportStatus(ctx context.Context, jobID string) {
	database, err := openDB(ctx)
	if err != nil {
		PrintError("Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	job, err := importer.LoadJob(ctx, database, jobID)
	if errors.Is(err, importer.ErrJobNotFound) {
		PrintError("Error: no import job %s\n", jobID)
		os.Exit(1)
	}
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	printJob(job)
}

func handleImportWait(ctx context.Context, jobID string) {
	database, err := openDB(ctx)
	if err != nil {
		PrintError("Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	for {
		job, err := importer.LoadJob(ctx, database, jobID)
		if err != nil {
			PrintError("Error: %v\n", err)
			os.Exit(1)
		}
		if job.Terminal() {
			reportJob(job)
			return
		}
		select {
		case <-ctx.Done():
			PrintError("Error: %v\n", ctx.Err())
			os.Exit(1)
		case <-time.After(time.Second):
		}
	}
}

func printJob(job importer.Job) {
	if outputCfg.JSON {
		PrintResult(map[string]interface{}{
			"id":              job.ID,
			"user_id":         job.UserID,
			"platform_scope":  job.PlatformScope,
			"state":           job.State,
			"total_games":     job.TotalGames,
			"new_games":       job.NewGames,
			"updated_games":   job.UpdatedGames,
			"failed_accounts": job.FailedAccounts,
			"error":           job.Error,
		})
		return
	}
	PrintInfo("Job %s [%s] user=%s scope=%s\n", job.ID, job.State, job.UserID, job.PlatformScope)
	PrintInfo("  %d games: %d new, %d updated; %d accounts failed\n",
		job.TotalGames, job.NewGames, job.UpdatedGames, job.FailedAccounts)
	if job.Error != "" {
		PrintInfo("  error: %s\n", job.Error)
	}
}

// reportJob prints the final job state and exits non-zero on failure or
// partial account failure.
func reportJob(job importer.Job) {
	printJob(job)
	for _, msg := range job.AccountErrors {
		PrintError("  account failed: %s\n", msg)
	}
	if job.State == importer.StateFailed {
		fmt.Fprintf(os.Stderr, "import failed: %s\n", job.Error)
		os.Exit(1)
	}
	if job.FailedAccounts > 0 {
		fmt.Fprintf(os.Stderr, "%d accounts failed\n", job.FailedAccounts)
		os.Exit(1)
	}
}
