package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/repository/sqlite"
	"visionsurvey/internal/service/ai/yolo"
	"visionsurvey/internal/service/backfill"
	"visionsurvey/internal/service/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	outputDir := flag.String("outputs", cfg.OutputDirectory, "Directory containing classified images")
	dbPath := flag.String("db", cfg.DatabasePath, "Database path")
	driver := flag.String("driver", cfg.DatabaseDriver, "Database driver (sqlite3 or sqlite)")
	classes := flag.String("classes", cfg.ClassNamesPath, "Class names file used to split labels")
	insert := flag.Bool("insert", false, "Insert records for orphaned images")
	flag.Parse()

	cfg.OutputDirectory = *outputDir

	fmt.Printf("Scanning %s against database %s\n", *outputDir, *dbPath)

	appLogger, err := logger.NewLogger(cfg.LogDirectory)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Close()

	db, err := sqlite.Open(*driver, *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	outputs, err := storage.NewOutputStore(cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to open output directory: %v", err)
	}

	var names []string
	if f, err := os.Open(*classes); err == nil {
		names, err = yolo.ReadClassNames(f)
		f.Close()
		if err != nil {
			log.Printf("⚠️  Failed to read class names: %v", err)
		}
	} else {
		log.Printf("⚠️  No class names (%v), labels will be Unknown", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := backfill.New(sqlite.NewRecordRepository(db), outputs, names).Run(ctx, *insert)
	if err != nil {
		log.Fatalf("Backfill failed: %v", err)
	}

	for _, o := range report.Orphans {
		fmt.Printf("   - %s (%s, %s)\n", o.Name, o.Record.Label, o.Record.Timestamp)
	}

	fmt.Printf("\n📊 Scanned %d images, %d without a record\n", report.Scanned, len(report.Orphans))
	if *insert {
		fmt.Printf("✅ Inserted %d records\n", report.Inserted)
	} else if len(report.Orphans) > 0 {
		fmt.Println("Run again with -insert to record them")
	}
	if len(report.Skipped) > 0 {
		fmt.Printf("⚠️  Skipped %d files (not an output name)\n", len(report.Skipped))
	}
}
