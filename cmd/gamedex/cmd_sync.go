package main

import (
	"context"
	"os"
	"strconv"
	"time"

	syncengine "github.com/jfellows/gamedex/internal/sync"
)

func handleSyncCommand(ctx context.Context, args []string) {
	mode := "stale"
	var limit, batchSize, staleDays, newReleaseDays int

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mode":
			if i+1 < len(args) {
				i++
				mode = args[i]
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
		case "--stale-days":
			if i+1 < len(args) {
				i++
				staleDays, _ = strconv.Atoi(args[i])
			}
		case "--new-release-days":
			if i+1 < len(args) {
				i++
				newReleaseDays, _ = strconv.Atoi(args[i])
			}
		default:
			PrintError("Error: unknown sync option: %s\n", args[i])
			os.Exit(1)
		}
	}

	stale := syncengine.Request{
		Mode:       syncengine.ModeRefreshStale,
		Limit:      limit,
		BatchSize:  batchSize,
		StaleAfter: time.Duration(staleDays) * 24 * time.Hour,
	}
	discover := syncengine.Request{
		Mode:      syncengine.ModeDiscoverNew,
		Limit:     limit,
		BatchSize: batchSize,
		Lookback:  time.Duration(newReleaseDays) * 24 * time.Hour,
	}

	switch mode {
	case "stale":
		runAndReport(ctx, []syncengine.Request{stale})
	case "new":
		runAndReport(ctx, []syncengine.Request{discover})
	case "full":
		runAndReport(ctx, []syncengine.Request{stale, discover})
	default:
		PrintError("Error: unknown sync mode %q (stale, new, full)\n", mode)
		os.Exit(1)
	}
}
