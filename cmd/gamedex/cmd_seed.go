package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	syncengine "github.com/jfellows/gamedex/internal/sync"
)

func handleSeedCommand(ctx context.Context, args []string) {
	mode := "popular"
	var query, tag string
	var limit, batchSize, lookbackDays int

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--lookback-days":
			if i+1 < len(args) {
				i++
				lookbackDays, _ = strconv.Atoi(args[i])
			}
		case "--mode":
			if i+1 < len(args) {
				i++
				mode = args[i]
			}
		case "--query":
			if i+1 < len(args) {
				i++
				query = args[i]
			}
		case "--tag":
			if i+1 < len(args) {
				i++
				tag = args[i]
			}
		case "--limit":
			if i+1 < len(args) {
				i++
				limit, _ = strconv.Atoi(args[i])
			}
		case "--batch-size":
			if i+1 < len(args) {
				i++
				batchSize, _ = strconv.Atoi(args[i])
			}
		default:
			PrintError("Error: unknown seed option: %s\n", args[i])
			os.Exit(1)
		}
	}

	req := syncengine.Request{
		Limit:     limit,
		BatchSize: batchSize,
		Lookback:  time.Duration(lookbackDays) * 24 * time.Hour,
	}
	switch mode {
	case "popular":
		req.Mode = syncengine.ModeSeedPopular
	case "new":
		req.Mode = syncengine.ModeDiscoverNew
	case "query":
		if query == "" {
			PrintError("Error: --mode query requires --query\n")
			os.Exit(1)
		}
		req.Mode = syncengine.ModeSeedQuery
		req.Query = query
	case "tag":
		if tag == "" {
			PrintError("Error: --mode tag requires --tag\n")
			os.Exit(1)
		}
		req.Mode = syncengine.ModeSeedTag
		req.Query = tag
	default:
		PrintError("Error: unknown seed mode %q (popular, query, tag, new)\n", mode)
		os.Exit(1)
	}

	runAndReport(ctx, []syncengine.Request{req})
}

// runAndReport executes the requests in order, prints the combined outcome
// and exits non-zero on any failure. Partial failures are summarized, not
// swallowed.
func runAndReport(ctx context.Context, reqs []syncengine.Request) {
	database, _, engine, err := buildEngine(ctx)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	var combined syncengine.Result
	for _, req := range reqs {
		result, err := engine.Run(ctx, req)
		if err != nil {
			PrintError("Error: %s run failed: %v\n", req.Mode, err)
			os.Exit(1)
		}
		combined.Attempted += result.Attempted
		combined.New += result.New
		combined.Updated += result.Updated
		combined.Archived += result.Archived
		combined.Failed += result.Failed
		combined.Failures = append(combined.Failures, result.Failures...)
	}

	if outputCfg.JSON {
		PrintResult(map[string]interface{}{
			"attempted": combined.Attempted,
			"new":       combined.New,
			"updated":   combined.Updated,
			"archived":  combined.Archived,
			"failed":    combined.Failed,
		})
	} else {
		PrintInfo("Synced %d candidates: %d new, %d updated, %d archived, %d failed\n",
			combined.Attempted, combined.New, combined.Updated, combined.Archived, combined.Failed)
	}

	if combined.Failed > 0 {
		for _, failure := range combined.Failures {
			PrintError("  failed: %s\n", failure)
		}
		fmt.Fprintf(os.Stderr, "%d of %d candidates failed\n", combined.Failed, combined.Attempted)
		os.Exit(1)
	}
}
