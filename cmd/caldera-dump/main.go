// caldera-dump opens a data directory and prints events, either one stream's
// range or the global log, for inspection and debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/calderadb/caldera/config"
	"github.com/calderadb/caldera/core"
	"github.com/calderadb/caldera/engine"
)

func main() {
	dataDir := flag.String("data-dir", "", "Path to the caldera data directory (required)")
	stream := flag.String("stream", "", "Stream to dump; empty dumps the global log")
	from := flag.Int64("from", 0, "First event number (stream mode) or log position ($all mode)")
	count := flag.Int("count", 50, "Maximum number of events to print")
	logLevel := flag.String("log-level", "warn", "Logging level (debug, info, warn, error)")
	flag.Parse()

	if *dataDir == "" {
		fmt.Println("Usage: caldera-dump -data-dir <path> [-stream <name>] [-from N] [-count N]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var level slog.Level
	switch strings.ToLower(*logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		fmt.Printf("Invalid log level: %s. Defaulting to warn.\n", *logLevel)
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*dataDir, *stream, *from, *count, logger); err != nil {
		logger.Error("Dump failed", "error", err)
		os.Exit(1)
	}
}

func run(dataDir, stream string, from int64, count int, logger *slog.Logger) error {
	cfg := config.Default()
	cfg.Engine.DataDir = dataDir
	// Inspection only; never fsync on behalf of the tool.
	cfg.Engine.Log.SyncMode = "disabled"

	eng, err := engine.Open(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	if stream == "" {
		result, err := eng.ReadAllForward(ctx, from, count)
		if err != nil {
			return err
		}
		for _, ev := range result.Events {
			printEvent(ev)
		}
		fmt.Printf("-- next position %d, end of log: %v\n", result.NextPosition, result.IsEndOfLog)
		return nil
	}

	result, err := eng.ReadStreamForward(ctx, core.StreamID(stream), from, count)
	if err != nil {
		return err
	}
	if result.Status != core.ReadSuccess {
		return fmt.Errorf("stream %q: %s", stream, result.Status)
	}
	for _, ev := range result.Events {
		printEvent(ev)
	}
	fmt.Printf("-- next event %d, last %d, end of stream: %v\n",
		result.NextNumber, result.LastNumber, result.IsEndOfStream)
	return nil
}

func printEvent(ev core.EventRecord) {
	data := string(ev.Data)
	if !ev.IsJSON {
		data = fmt.Sprintf("%d bytes", len(ev.Data))
	}
	fmt.Printf("%s@%d pos=%d id=%s type=%s time=%s %s\n",
		ev.StreamID, ev.EventNumber, ev.LogPosition, ev.EventID, ev.EventType,
		ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), data)
}
