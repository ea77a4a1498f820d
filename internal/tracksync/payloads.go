package tracksync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type EntityKind string

const (
	KindTask    EntityKind = "task"
	KindProject EntityKind = "project"
	KindTeam    EntityKind = "team"
)

func ParseEntityKind(raw string) (EntityKind, error) {
	switch EntityKind(strings.TrimSpace(strings.ToLower(raw))) {
	case KindTask:
		return KindTask, nil
	case KindProject:
		return KindProject, nil
	case KindTeam:
		return KindTeam, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q: %w", raw, ErrInvalidInput)
	}
}

// IssuePayload is the remote-issue shape pushed for a local task.
type IssuePayload struct {
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	ProjectKey  string   `json:"projectKey,omitempty"`
	IssueType   string   `json:"issueType,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
}

// ProjectPayload is the remote-project shape pushed for a local project.
type ProjectPayload struct {
	Name        string `json:"name"`
	Key         string `json:"key,omitempty"`
	Description string `json:"description,omitempty"`
	LeadAccount string `json:"leadAccount,omitempty"`
}

// TeamPayload is the remote-team shape pushed for a local department.
type TeamPayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MemberIDs   []string `json:"memberIds,omitempty"`
}

const issueSchema = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string", "minLength": 1, "maxLength": 512},
		"description": {"type": "string"},
		"projectKey": {"type": "string"},
		"issueType": {"type": "string"},
		"labels": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"assignee": {"type": "string"}
	},
	"required": ["summary"],
	"additionalProperties": false
}`

const projectSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 255},
		"key": {"type": "string", "pattern": "^[A-Z0-9]{0,16}$"},
		"description": {"type": "string"},
		"leadAccount": {"type": "string"}
	},
	"required": ["name"],
	"additionalProperties": false
}`

const teamSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 255},
		"description": {"type": "string"},
		"memberIds": {"type": "array", "items": {"type": "string", "minLength": 1}}
	},
	"required": ["name"],
	"additionalProperties": false
}`

var (
	schemaOnce    sync.Once
	schemaErr     error
	schemaByKind  map[EntityKind]*jsonschema.Schema
	schemaSources = map[EntityKind]string{
		KindTask:    issueSchema,
		KindProject: projectSchema,
		KindTeam:    teamSchema,
	}
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[EntityKind]*jsonschema.Schema, len(schemaSources))
	for kind, source := range schemaSources {
		name := string(kind) + ".schema.json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			schemaErr = fmt.Errorf("parse %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, doc); err != nil {
			schemaErr = fmt.Errorf("add %s: %w", name, err)
			return
		}
		sch, err := compiler.Compile(name)
		if err != nil {
			schemaErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		compiled[kind] = sch
	}
	schemaByKind = compiled
}

func validateAgainstSchema(kind EntityKind, payload any) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	sch, ok := schemaByKind[kind]
	if !ok {
		return fmt.Errorf("no schema for kind %q: %w", kind, ErrInvalidInput)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("%s payload rejected: %v: %w", kind, err, ErrInvalidInput)
	}
	return nil
}

func (p IssuePayload) Validate() error {
	return validateAgainstSchema(KindTask, p)
}

func (p ProjectPayload) Validate() error {
	return validateAgainstSchema(KindProject, p)
}

func (p TeamPayload) Validate() error {
	return validateAgainstSchema(KindTeam, p)
}
