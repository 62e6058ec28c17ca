// Command export renders a batch of records in-process and prints the run
// summary. Records come from the database by id, or from a JSON file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"monkids/internal/adapters/engine/chromium"
	"monkids/internal/config"
	"monkids/internal/export"
	"monkids/internal/models"
	"monkids/internal/pkg/logger"
	"monkids/internal/repositories"
	"monkids/internal/tracing"
)

type summary struct {
	RunID    string               `json:"run_id"`
	RunDir   string               `json:"run_dir"`
	Summary  export.Summary       `json:"summary"`
	Failures []models.FailureView `json:"failures,omitempty"`
}

// Exit codes.
const (
	exitOK         = 0
	exitPartial    = 1
	exitNoArtifact = 2
	exitError      = 3
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exit.
func run() int {
	var (
		configFile  = pflag.StringP("config", "c", "", "path to a config file")
		recordType  = pflag.StringP("type", "t", "", "record type: student or teacher")
		ids         = pflag.StringSlice("ids", nil, "comma separated record ids to load from the database")
		recordsFile = pflag.String("records", "", "JSON file with an array of record snapshots, instead of --ids")
	)
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.New(logger.Config{Output: os.Stderr}).LogError(context.Background(), "failed to load configuration", err)
		return exitError
	}
	cfg.Log.ServiceName = "monkids-export"
	cfg.Log.Output = os.Stderr
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopTracing, err := tracing.Init("monkids-export", cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		log.LogError(ctx, "failed to initialize tracing", err)
		return exitError
	}
	defer stopTracing(context.Background())

	rt := models.RecordType(*recordType)
	factory := chromium.Factory(chromium.Options{Bin: cfg.Export.ChromeBin})

	var res *export.Result
	if *recordsFile != "" {
		records, err := readRecords(*recordsFile, rt)
		if err != nil {
			log.LogError(ctx, "failed to read records", err, "path", *recordsFile)
			return exitError
		}
		res, err = export.New(export.ConfigFrom(cfg.Export, log), nil, factory).
			DispatchRecords(ctx, rt, records)
		if err != nil {
			log.LogError(ctx, "export failed", err)
			return exitError
		}
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.LogError(ctx, "failed to connect to PostgreSQL", err)
			return exitError
		}
		defer pool.Close()

		d := export.New(export.ConfigFrom(cfg.Export, log), repositories.NewRecordRepository(pool), factory)
		res, err = d.Dispatch(ctx, export.DispatchRequest{RecordType: rt, IDs: *ids})
		if err != nil {
			log.LogError(ctx, "export failed", err)
			return exitError
		}
	}

	out := summary{
		RunID:    res.RunID,
		RunDir:   res.RunDir,
		Summary:  res.Summary(),
		Failures: res.FailureViews(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	return exitCode(out.Summary)
}

func exitCode(sum export.Summary) int {
	switch {
	case sum.Succeeded == 0:
		return exitNoArtifact
	case sum.Failed > 0:
		return exitPartial
	default:
		return exitOK
	}
}

func readRecords(path string, rt models.RecordType) ([]models.Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []models.Record
	switch rt {
	case models.RecordStudent:
		var students []*models.Student
		if err := json.Unmarshal(b, &students); err != nil {
			return nil, fmt.Errorf("decode students: %w", err)
		}
		for i, s := range students {
			if s == nil {
				return nil, fmt.Errorf("record %d is null", i)
			}
			records = append(records, s)
		}
	case models.RecordTeacher:
		var teachers []*models.Teacher
		if err := json.Unmarshal(b, &teachers); err != nil {
			return nil, fmt.Errorf("decode teachers: %w", err)
		}
		for i, t := range teachers {
			if t == nil {
				return nil, fmt.Errorf("record %d is null", i)
			}
			records = append(records, t)
		}
	default:
		return nil, fmt.Errorf("unknown record type %q", rt)
	}
	return records, nil
}
