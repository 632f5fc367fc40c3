package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"opflow/config"
	"opflow/db"
	"opflow/executor"
	"opflow/logger"
	"opflow/ml"
	"opflow/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration")
	operatorID := flag.String("operator", "", "operator id")
	typeID := flag.Int("type", 0, "operator type code; registers the operator when given")
	parents := flag.String("parents", "", "comma separated upstream operator ids, used with -type")
	operatorConfig := flag.String("operator_config", "", "operator config json, used with -type")
	dataURL := flag.String("data", "", "dataset url: local path, file:// or sftp://user@host/path")
	modelURL := flag.String("model", "", "model directory url for prediction")
	projectID := flag.String("project", "", "project id whose current dataset is used when -data is empty")
	condition := flag.String("condition", "{}", "condition json, or @file to read it from a file")
	evaluate := flag.String("evaluate", "", "labelled dataset url to score a freshly trained model on")
	flag.Parse()

	if *operatorID == "" {
		log.Fatal("operator is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = config.Default()
	}
	zlog, _, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	cond, err := readCondition(*condition)
	if err != nil {
		log.Fatalf("failed to parse condition: %v", err)
	}

	ctx := context.Background()
	store, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer store.Close()

	if *typeID != 0 {
		op := db.Operator{
			ID:        *operatorID,
			TypeID:    *typeID,
			ParentIDs: db.ParseParentIDs(*parents),
			Config:    *operatorConfig,
		}
		if err := store.CreateOperator(ctx, op); err != nil {
			log.Fatalf("failed to register operator: %v", err)
		}
	}

	session := pipeline.NewRemoteSession(pipeline.NewLocalSession(zlog), cfg.Remote, zlog)
	artifacts, err := pipeline.NewArtifactStore(cfg.Storage, zlog)
	if err != nil {
		log.Fatalf("failed to open artifact store: %v", err)
	}
	orch, err := executor.NewOrchestrator(executor.Dependencies{
		Store:     store,
		Sources:   store,
		Session:   session,
		Artifacts: artifacts,
	}, cfg.Executor, zlog)
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	var res executor.Result
	if *dataURL == "" && *projectID != "" {
		res, err = orch.RunForProject(ctx, *operatorID, *projectID, cond)
	} else {
		inputs := []executor.RunInput{executor.DataInput(*dataURL)}
		if *modelURL != "" {
			inputs = append(inputs, executor.ModelInput(*modelURL))
		}
		res, err = orch.Run(ctx, *operatorID, inputs, cond)
	}
	printJSON(res)
	if err != nil {
		zlog.Error("operator failed", zap.String("operator", *operatorID), zap.Error(err))
		os.Exit(1)
	}

	if *evaluate != "" && res.Kind == executor.KindTrain {
		report, err := evaluateModel(ctx, session, res.Family, res.ResultURL, *evaluate, cond)
		if err != nil {
			log.Fatalf("failed to evaluate model: %v", err)
		}
		log.Printf("accuracy=%.4f samples=%d", report.Accuracy, report.Samples)
		printJSON(report)
	}
}

// readCondition accepts inline json or @path.
func readCondition(arg string) (ml.Condition, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		if data, err = os.ReadFile(strings.TrimPrefix(arg, "@")); err != nil {
			return ml.Condition{}, err
		}
	}
	return ml.ParseCondition(data)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
