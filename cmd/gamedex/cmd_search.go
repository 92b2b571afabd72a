package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jfellows/gamedex/internal/catalog"
	syncengine "github.com/jfellows/gamedex/internal/sync"
)

func handleSearchCommand(ctx context.Context, args []string) {
	query := args[0]
	page := 1
	autoSync := false
	var genres, platforms []string
	includeArchived := false

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--auto-sync":
			autoSync = true
		case "--include-archived":
			includeArchived = true
		case "--page":
			if i+1 < len(rest) {
				i++
				page, _ = strconv.Atoi(rest[i])
			}
		case "--sync-limit":
			if i+1 < len(rest) {
				i++
				cfg.Sync.SearchLimit, _ = strconv.Atoi(rest[i])
			}
		case "--timeout":
			if i+1 < len(rest) {
				i++
				if d, err := time.ParseDuration(rest[i]); err == nil {
					cfg.Sync.SearchTimeout = d
				}
			}
		case "--genre":
			if i+1 < len(rest) {
				i++
				genres = append(genres, rest[i])
			}
		case "--platform":
			if i+1 < len(rest) {
				i++
				platforms = append(platforms, rest[i])
			}
		default:
			PrintError("Error: unknown search option: %s\n", rest[i])
			os.Exit(1)
		}
	}

	database, repo, engine, err := buildEngine(ctx)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	resolver := syncengine.NewResolver(repo, engine, cfg.Sync)
	resp, err := resolver.Search(ctx, syncengine.Query{
		Filters: catalog.Filters{
			Query:           query,
			Genres:          genres,
			Platforms:       platforms,
			IncludeArchived: includeArchived,
		},
		Page:     catalog.Page{Number: page, Size: 20},
		AutoSync: autoSync,
	})
	if err != nil {
		PrintError("Error: search failed: %v\n", err)
		os.Exit(1)
	}

	if resp.TimedOut {
		PrintInfo("Provider top-up timed out; showing local results\n")
	}
	if resp.SourcedFromRemote {
		PrintInfo("Pulled %d entries from providers\n", resp.SyncedCount)
	}

	if outputCfg.JSON {
		PrintResult(map[string]interface{}{
			"total":               resp.Total,
			"synced_count":        resp.SyncedCount,
			"sourced_from_remote": resp.SourcedFromRemote,
			"timed_out":           resp.TimedOut,
			"entries":             searchRows(resp.Entries),
		})
		return
	}

	if len(resp.Entries) == 0 {
		fmt.Println("No results.")
		return
	}
	PrintTable([]string{"ID", "Name", "Year", "Rating", "Providers"}, searchRows(resp.Entries))
	PrintInfo("%d total matches\n", resp.Total)
}

func searchRows(entries []catalog.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		year := ""
		if e.ReleaseDate != nil {
			year = strconv.Itoa(e.ReleaseDate.Year())
		}
		var providers []string
		if e.IGDBID != nil {
			providers = append(providers, catalog.ProviderIGDB)
		}
		if e.RAWGID != nil {
			providers = append(providers, catalog.ProviderRAWG)
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.Name,
			year,
			fmt.Sprintf("%.0f", e.Rating),
			strings.Join(providers, ","),
		})
	}
	return rows
}
