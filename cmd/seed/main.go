// Command seed loads workflow definitions from a YAML file and inserts
// them, optionally activating one per target kind. Intended for local
// development and first-boot provisioning.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rule"
)

type seedFile struct {
	Workflows []seedWorkflow `yaml:"workflows"`
}

type seedWorkflow struct {
	TargetKind string     `yaml:"target_kind"`
	Name       string     `yaml:"name"`
	Activate   bool       `yaml:"activate"`
	Steps      []seedStep `yaml:"steps"`
}

type seedStep struct {
	OrderIndex          int            `yaml:"order_index"`
	Type                string         `yaml:"type"`
	Purpose             string         `yaml:"purpose"`
	RequiredCount       int            `yaml:"required_count"`
	ApproverType        string         `yaml:"approver_type"`
	ApproverIdentifiers []string       `yaml:"approver_identifiers"`
	ConditionalRule     map[string]any `yaml:"conditional_rule"`
}

func main() {
	var file string
	flag.StringVar(&file, "file", "seed/workflows.yaml", "workflow definitions file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name + "-seed",
		Version:     cfg.Service.Version,
	})

	data, err := os.ReadFile(file)
	if err != nil {
		log.Fatal().Err(err).Str("file", file).Msg("Failed to read seed file")
	}

	var seeds seedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse seed file")
	}

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	repo := repository.NewWorkflowRepository(db)

	for _, wf := range seeds.Workflows {
		def, err := buildDefinition(wf)
		if err != nil {
			log.Fatal().Err(err).Str("target_kind", wf.TargetKind).Msg("Invalid workflow definition")
		}

		if err := repo.Create(ctx, def); err != nil {
			log.Fatal().Err(err).Str("target_kind", wf.TargetKind).Msg("Failed to create workflow")
		}
		log.Info().
			Str("workflow_id", def.ID).
			Str("target_kind", def.TargetKind).
			Int("steps", len(def.Steps)).
			Msg("Workflow created")

		if wf.Activate {
			if err := repo.Activate(ctx, def.ID); err != nil {
				log.Fatal().Err(err).Str("workflow_id", def.ID).Msg("Failed to activate workflow")
			}
			log.Info().Str("workflow_id", def.ID).Msg("Workflow activated")
		}
	}

	log.Info().Int("workflows", len(seeds.Workflows)).Msg("Seeding complete")
}

func buildDefinition(wf seedWorkflow) (*repository.WorkflowDefinition, error) {
	def := &repository.WorkflowDefinition{
		TargetKind: wf.TargetKind,
		Name:       wf.Name,
	}

	for _, s := range wf.Steps {
		parsed, err := parseRule(s.ConditionalRule)
		if err != nil {
			return nil, err
		}

		required := s.RequiredCount
		if required < 1 {
			required = 1
		}

		def.Steps = append(def.Steps, &repository.Step{
			OrderIndex:          s.OrderIndex,
			Type:                s.Type,
			Purpose:             s.Purpose,
			RequiredCount:       required,
			ApproverType:        s.ApproverType,
			ApproverIdentifiers: s.ApproverIdentifiers,
			ConditionalRule:     parsed,
		})
	}
	return def, nil
}

// parseRule converts the YAML mapping into the engine's rule type by way
// of its JSON contract, so seed files and API payloads validate the same.
func parseRule(raw map[string]any) (*rule.Rule, error) {
	if raw == nil {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	parsed := &rule.Rule{}
	if err := json.Unmarshal(data, parsed); err != nil {
		return nil, err
	}
	if err := parsed.Validate(); err != nil {
		return nil, err
	}
	return parsed, nil
}
