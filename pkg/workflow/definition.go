// Package workflow provides the workflow definition model.
//
// Definitions are directed graphs of typed steps, authored in YAML and
// published immutably: the engine snapshots a definition's steps into each
// run it starts, so editing a file never changes in-flight runs. Field names
// are identical in YAML, JSON and BSON so a definition round-trips between
// its file form, the HTTP API and the workflows collection.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/jsonpath"
	"github.com/weftworks/weft/pkg/workflow/expression"
)

// Definition is a workflow graph: an ordered list of typed steps joined by
// connections. Exactly one step is the trigger (the entry point).
type Definition struct {
	// ID is the stable workflow identifier clients start runs against
	ID string `yaml:"id" json:"id" bson:"id"`

	// Name is a human-readable workflow name
	Name string `yaml:"name" json:"name" bson:"name"`

	// Description provides context about what the workflow does
	Description string `yaml:"description,omitempty" json:"description,omitempty" bson:"description,omitempty"`

	// Version is assigned at publication; a content change bumps it.
	// Values in YAML files are ignored.
	Version int `yaml:"version,omitempty" json:"version,omitempty" bson:"version,omitempty"`

	// RootTaskTitle is a template for the run's root task title.
	// It may reference {{.input}} and {{.workflow.name}}.
	RootTaskTitle string `yaml:"rootTaskTitle,omitempty" json:"rootTaskTitle,omitempty" bson:"rootTaskTitle,omitempty"`

	// Steps are the graph nodes in declaration order
	Steps []Step `yaml:"steps" json:"steps" bson:"steps"`
}

// Step is a single node in the workflow graph. Kind selects which of the
// kind-specific configuration blocks applies; at most one may be set.
type Step struct {
	// ID is the unique step identifier within this workflow
	ID string `yaml:"id" json:"id" bson:"id"`

	// Name is a human-readable step name (optional)
	Name string `yaml:"name,omitempty" json:"name,omitempty" bson:"name,omitempty"`

	// Kind selects the step's dispatch strategy
	Kind StepKind `yaml:"kind" json:"kind" bson:"kind"`

	// Title is a template for the step task's title; defaults to the
	// step name or id. Item tasks use ForeachConfig.ItemTitle instead.
	Title string `yaml:"title,omitempty" json:"title,omitempty" bson:"title,omitempty"`

	// Summary is carried onto the step task verbatim
	Summary string `yaml:"summary,omitempty" json:"summary,omitempty" bson:"summary,omitempty"`

	// ExtraPrompt is free-form guidance surfaced to agent and manual tasks
	ExtraPrompt string `yaml:"extraPrompt,omitempty" json:"extraPrompt,omitempty" bson:"extraPrompt,omitempty"`

	// Urgency overrides the run's default task urgency for this step
	Urgency string `yaml:"urgency,omitempty" json:"urgency,omitempty" bson:"urgency,omitempty"`

	// Tags are merged over the run's default tags (step wins on conflict)
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty" bson:"tags,omitempty"`

	// Assignee overrides the run's default assignee for this step
	Assignee string `yaml:"assignee,omitempty" json:"assignee,omitempty" bson:"assignee,omitempty"`

	// Foreach configures fan-out steps (kind: foreach)
	Foreach *ForeachConfig `yaml:"foreach,omitempty" json:"foreach,omitempty" bson:"foreach,omitempty"`

	// Join configures fan-in steps (kind: join)
	Join *JoinConfig `yaml:"join,omitempty" json:"join,omitempty" bson:"join,omitempty"`

	// External configures callback-completed steps (kind: external)
	External *ExternalConfig `yaml:"external,omitempty" json:"external,omitempty" bson:"external,omitempty"`

	// Webhook configures outbound HTTP steps (kind: webhook)
	Webhook *WebhookConfig `yaml:"webhook,omitempty" json:"webhook,omitempty" bson:"webhook,omitempty"`

	// Subflow configures nested-run steps (kind: subflow)
	Subflow *SubflowConfig `yaml:"subflow,omitempty" json:"subflow,omitempty" bson:"subflow,omitempty"`

	// Next lists outgoing connections, evaluated in declaration order
	Next []Connection `yaml:"next,omitempty" json:"next,omitempty" bson:"next,omitempty"`

	// DefaultTarget is the fallback target when no decision connection
	// matches. Only valid for decision steps.
	DefaultTarget string `yaml:"defaultTarget,omitempty" json:"defaultTarget,omitempty" bson:"defaultTarget,omitempty"`
}

// Connection is a directed edge to a successor step. A connection without a
// condition is unconditional; all satisfied unconditional targets of a
// completed step activate in parallel.
type Connection struct {
	// TargetStepID is the successor step's identifier
	TargetStepID string `yaml:"targetStepId" json:"targetStepId" bson:"targetStepId"`

	// Condition is an optional boolean expression over {input, output, error}
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty" bson:"condition,omitempty"`

	// Label names the edge for activity records and the UI
	Label string `yaml:"label,omitempty" json:"label,omitempty" bson:"label,omitempty"`
}

// StepKind identifies a step's dispatch strategy.
type StepKind string

const (
	// StepKindTrigger is the run entry point; completes immediately
	StepKindTrigger StepKind = "trigger"

	// StepKindAgent stays in_progress until an automated actor completes it
	StepKindAgent StepKind = "agent"

	// StepKindManual stays in_progress until a person completes it
	StepKindManual StepKind = "manual"

	// StepKindDecision selects exactly one successor by condition
	StepKindDecision StepKind = "decision"

	// StepKindForeach fans out one child task per item
	StepKindForeach StepKind = "foreach"

	// StepKindJoin waits for a population of tasks to satisfy a boundary
	StepKindJoin StepKind = "join"

	// StepKindExternal waits for inbound callbacks
	StepKindExternal StepKind = "external"

	// StepKindWebhook performs an outbound HTTP call with retries
	StepKindWebhook StepKind = "webhook"

	// StepKindSubflow starts a nested run and mirrors its terminal status
	StepKindSubflow StepKind = "subflow"
)

// ValidStepKinds for validation.
var ValidStepKinds = map[StepKind]bool{
	StepKindTrigger:  true,
	StepKindAgent:    true,
	StepKindManual:   true,
	StepKindDecision: true,
	StepKindForeach:  true,
	StepKindJoin:     true,
	StepKindExternal: true,
	StepKindWebhook:  true,
	StepKindSubflow:  true,
}

// ItemsSource selects where a foreach step's items come from.
type ItemsSource string

const (
	// ItemsSourcePayload draws items synchronously from the step input
	ItemsSourcePayload ItemsSource = "payload"

	// ItemsSourceExternalCallback streams items in via the callback endpoint
	ItemsSourceExternalCallback ItemsSource = "external_callback"
)

// Foreach limits.
const (
	// DefaultMaxItems caps the children a foreach may materialize
	DefaultMaxItems = 1000

	// MaxMaxItems is the hard ceiling a definition may raise the cap to
	MaxMaxItems = 10000
)

// ForeachConfig configures a fan-out step. One child task is created per
// item against ChildStepID; the foreach task completes when its item set is
// sealed (payload sources seal at activation, streaming sources seal on the
// completion signal or deadline).
type ForeachConfig struct {
	// ItemsSource is payload or external_callback (defaults to payload)
	ItemsSource ItemsSource `yaml:"itemsSource,omitempty" json:"itemsSource,omitempty" bson:"itemsSource,omitempty"`

	// ItemsPath is a jq path resolving the item array from the step input.
	// Required for payload sources.
	ItemsPath string `yaml:"itemsPath,omitempty" json:"itemsPath,omitempty" bson:"itemsPath,omitempty"`

	// ExpectedCountPath optionally resolves the authoritative total from
	// the step input (streaming sources).
	ExpectedCountPath string `yaml:"expectedCountPath,omitempty" json:"expectedCountPath,omitempty" bson:"expectedCountPath,omitempty"`

	// MaxItems bounds materialized children (defaults to DefaultMaxItems)
	MaxItems int `yaml:"maxItems,omitempty" json:"maxItems,omitempty" bson:"maxItems,omitempty"`

	// ChildStepID names the step materialized once per item. It must not
	// be a flow-control kind (trigger, decision, foreach, join).
	ChildStepID string `yaml:"childStepId" json:"childStepId" bson:"childStepId"`

	// ItemTitle is a template for child task titles; it may reference
	// {{.item}}, {{.index}} and {{.total}}.
	ItemTitle string `yaml:"itemTitle,omitempty" json:"itemTitle,omitempty" bson:"itemTitle,omitempty"`

	// DeadlineMs arms a batch deadline this long after activation.
	// Zero means no deadline.
	DeadlineMs int64 `yaml:"deadlineMs,omitempty" json:"deadlineMs,omitempty" bson:"deadlineMs,omitempty"`

	// MinSuccessPercent is the success threshold checked when the batch
	// seals; below it the batch completes with warnings.
	MinSuccessPercent float64 `yaml:"minSuccessPercent,omitempty" json:"minSuccessPercent,omitempty" bson:"minSuccessPercent,omitempty"`

	// FailOnDeadline fails the foreach task when the deadline fires
	// before the batch seals; otherwise partial results complete it.
	FailOnDeadline bool `yaml:"failOnDeadline,omitempty" json:"failOnDeadline,omitempty" bson:"failOnDeadline,omitempty"`
}

// JoinScope selects the task population a join evaluates over.
type JoinScope string

const (
	// JoinScopeChildren counts the immediate children of the await task
	JoinScopeChildren JoinScope = "children"

	// JoinScopeStepTasks counts all tasks of AwaitStepID in the run
	JoinScopeStepTasks JoinScope = "step_tasks"

	// JoinScopeDescendants counts the transitive descendants of the await task
	JoinScopeDescendants JoinScope = "descendants"
)

// ValidJoinScopes for validation.
var ValidJoinScopes = map[JoinScope]bool{
	JoinScopeChildren:    true,
	JoinScopeStepTasks:   true,
	JoinScopeDescendants: true,
}

// JoinConfig configures a fan-in step. The join task stays waiting until its
// boundary is satisfied over the awaited population.
type JoinConfig struct {
	// AwaitStepID names the step whose tasks the join waits on
	AwaitStepID string `yaml:"awaitStepId" json:"awaitStepId" bson:"awaitStepId"`

	// Scope selects the population (defaults to step_tasks)
	Scope JoinScope `yaml:"scope,omitempty" json:"scope,omitempty" bson:"scope,omitempty"`

	// Boundary is the satisfaction rule; nil means wait for the full
	// sealed population.
	Boundary *Boundary `yaml:"boundary,omitempty" json:"boundary,omitempty" bson:"boundary,omitempty"`
}

// Boundary is the satisfaction rule for a join or batch. Fields compose:
// MinCount short-circuits, the success threshold applies once the population
// is sealed, and MaxWaitMs forces an outcome at the deadline.
type Boundary struct {
	// MinCount satisfies the boundary as soon as this many tasks
	// complete successfully, sealed or not
	MinCount *int `yaml:"minCount,omitempty" json:"minCount,omitempty" bson:"minCount,omitempty"`

	// MinSuccessPercent is the success threshold applied when the sealed
	// population is fully processed (defaults to 100)
	MinSuccessPercent *float64 `yaml:"minSuccessPercent,omitempty" json:"minSuccessPercent,omitempty" bson:"minSuccessPercent,omitempty"`

	// MaxWaitMs arms a deadline this long after the join activates;
	// zero means wait indefinitely
	MaxWaitMs int64 `yaml:"maxWaitMs,omitempty" json:"maxWaitMs,omitempty" bson:"maxWaitMs,omitempty"`

	// FailOnTimeout fails the step when the deadline passes; otherwise
	// the step completes with whatever partial results exist
	FailOnTimeout bool `yaml:"failOnTimeout,omitempty" json:"failOnTimeout,omitempty" bson:"failOnTimeout,omitempty"`
}

// ExternalConfig configures a callback-completed step.
type ExternalConfig struct {
	// ExpectedCallbacks is how many callbacks complete the step (default 1)
	ExpectedCallbacks int `yaml:"expectedCallbacks,omitempty" json:"expectedCallbacks,omitempty" bson:"expectedCallbacks,omitempty"`

	// TimeoutMs arms a timeout this long after activation; zero waits
	// indefinitely. On expiry the step fails.
	TimeoutMs int64 `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty" bson:"timeoutMs,omitempty"`
}

// Webhook defaults.
const (
	// DefaultWebhookMethod is used when a webhook step omits the method
	DefaultWebhookMethod = "POST"

	// DefaultWebhookMaxRetries bounds delivery attempts after the first
	DefaultWebhookMaxRetries = 5
)

// WebhookConfig configures an outbound HTTP step. URL, header values and
// body are templates rendered against {{.input}}, {{.run.inputPayload}} and
// {{secret "name"}} at attempt time.
type WebhookConfig struct {
	// Method is the HTTP method (defaults to POST)
	Method string `yaml:"method,omitempty" json:"method,omitempty" bson:"method,omitempty"`

	// URL is the request URL template
	URL string `yaml:"url" json:"url" bson:"url"`

	// Headers maps header names to value templates
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" bson:"headers,omitempty"`

	// Body is the request body template; empty sends no body
	Body string `yaml:"body,omitempty" json:"body,omitempty" bson:"body,omitempty"`

	// MaxRetries bounds retry attempts after the first delivery
	// (defaults to DefaultWebhookMaxRetries)
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty" bson:"maxRetries,omitempty"`

	// BackoffBaseMs is the base for exponential retry backoff; zero uses
	// the engine default
	BackoffBaseMs int64 `yaml:"backoffBaseMs,omitempty" json:"backoffBaseMs,omitempty" bson:"backoffBaseMs,omitempty"`

	// SuccessStatusCodes lists statuses counted as delivered; empty means
	// any 2xx
	SuccessStatusCodes []int `yaml:"successStatusCodes,omitempty" json:"successStatusCodes,omitempty" bson:"successStatusCodes,omitempty"`

	// TimeoutMs is the per-attempt request timeout; zero uses the engine
	// default
	TimeoutMs int64 `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty" bson:"timeoutMs,omitempty"`
}

// SubflowConfig configures a nested-run step.
type SubflowConfig struct {
	// WorkflowID is the definition the child run starts from
	WorkflowID string `yaml:"workflowId" json:"workflowId" bson:"workflowId"`

	// InputMapping maps child input keys to jq paths evaluated over
	// {input, run}. Empty forwards the step input unchanged.
	InputMapping map[string]string `yaml:"inputMapping,omitempty" json:"inputMapping,omitempty" bson:"inputMapping,omitempty"`

	// InheritSecret shares the parent run's callback secret with the
	// child run instead of generating a fresh one
	InheritSecret bool `yaml:"inheritSecret,omitempty" json:"inheritSecret,omitempty" bson:"inheritSecret,omitempty"`
}

// Published is a definition as stored in the workflows collection: the
// immutable content plus publication metadata.
type Published struct {
	Definition `bson:",inline"`

	// ContentHash fingerprints the definition content; publication bumps
	// Version only when the hash changes
	ContentHash string `json:"contentHash" bson:"contentHash"`

	// Source is the file path the definition was loaded from
	Source string `json:"source,omitempty" bson:"source,omitempty"`

	// PublishedAt is when this version was written
	PublishedAt time.Time `json:"publishedAt" bson:"publishedAt"`
}

// ParseDefinition parses and validates a workflow definition from YAML.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	def.applyDefaults()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	return &def, nil
}

// applyDefaults fills kind-config defaults so downstream code never deals
// with zero values that have a documented meaning.
func (d *Definition) applyDefaults() {
	for i := range d.Steps {
		step := &d.Steps[i]

		if step.Foreach != nil {
			if step.Foreach.ItemsSource == "" {
				step.Foreach.ItemsSource = ItemsSourcePayload
			}
			if step.Foreach.MaxItems == 0 {
				step.Foreach.MaxItems = DefaultMaxItems
			}
		}

		if step.Join != nil && step.Join.Scope == "" {
			step.Join.Scope = JoinScopeStepTasks
		}

		if step.External != nil && step.External.ExpectedCallbacks == 0 {
			step.External.ExpectedCallbacks = 1
		}

		if step.Webhook != nil {
			if step.Webhook.Method == "" {
				step.Webhook.Method = DefaultWebhookMethod
			} else {
				step.Webhook.Method = strings.ToUpper(step.Webhook.Method)
			}
			if step.Webhook.MaxRetries == 0 {
				step.Webhook.MaxRetries = DefaultWebhookMaxRetries
			}
		}
	}
}

// Validate checks the definition for structural and syntactic problems:
// unique step ids, exactly one trigger, known connection targets, compilable
// conditions and path expressions, and parsable title templates.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &wefterrors.ValidationError{
			Field:      "id",
			Message:    "workflow id is required",
			Suggestion: "add a stable identifier clients can start runs against",
		}
	}
	if d.Name == "" {
		return &wefterrors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "add a descriptive name for the workflow",
		}
	}
	if len(d.Steps) == 0 {
		return &wefterrors.ValidationError{
			Field:      "steps",
			Message:    "workflow must have at least one step",
			Suggestion: "add a trigger step and at least one work step",
		}
	}

	if err := CheckTemplate(d.RootTaskTitle); err != nil {
		return &wefterrors.ValidationError{
			Field:   "rootTaskTitle",
			Message: fmt.Sprintf("invalid title template: %s", err.Error()),
		}
	}

	stepIDs := make(map[string]bool, len(d.Steps))
	var triggerID string
	for _, step := range d.Steps {
		if step.ID == "" {
			return &wefterrors.ValidationError{
				Field:      "steps.id",
				Message:    "step id is required",
				Suggestion: "add an 'id' field to each step",
			}
		}
		if stepIDs[step.ID] {
			return &wefterrors.ValidationError{
				Field:      "steps.id",
				Message:    fmt.Sprintf("duplicate step id: %s", step.ID),
				Suggestion: "ensure each step has a unique id",
			}
		}
		stepIDs[step.ID] = true

		if step.Kind == StepKindTrigger {
			if triggerID != "" {
				return &wefterrors.ValidationError{
					Field:      "steps",
					Message:    fmt.Sprintf("multiple trigger steps: %s and %s", triggerID, step.ID),
					Suggestion: "a workflow has exactly one trigger step",
				}
			}
			triggerID = step.ID
		}
	}

	if triggerID == "" {
		return &wefterrors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no trigger step",
			Suggestion: "add a step with kind: trigger as the entry point",
		}
	}

	eval := expression.New()
	for i := range d.Steps {
		if err := d.Steps[i].validate(stepIDs, eval); err != nil {
			return fmt.Errorf("invalid step %s: %w", d.Steps[i].ID, err)
		}
	}

	// Foreach children are materialized per item, so they must be work
	// steps rather than flow control.
	for _, step := range d.Steps {
		if step.Foreach == nil {
			continue
		}
		child := d.StepByID(step.Foreach.ChildStepID)
		if child == nil {
			continue
		}
		switch child.Kind {
		case StepKindTrigger, StepKindDecision, StepKindForeach, StepKindJoin:
			return &wefterrors.ValidationError{
				Field:   "foreach.childStepId",
				Message: fmt.Sprintf("step %s cannot use %s step %s as its item step", step.ID, child.Kind, child.ID),
			}
		}
	}

	// The trigger is the entry point; nothing may route back into it.
	for _, step := range d.Steps {
		for _, conn := range step.Next {
			if conn.TargetStepID == triggerID {
				return &wefterrors.ValidationError{
					Field:   "next",
					Message: fmt.Sprintf("step %s routes into the trigger step %s", step.ID, triggerID),
				}
			}
		}
		if step.DefaultTarget == triggerID {
			return &wefterrors.ValidationError{
				Field:   "defaultTarget",
				Message: fmt.Sprintf("step %s routes into the trigger step %s", step.ID, triggerID),
			}
		}
	}

	if err := d.validateReachability(triggerID); err != nil {
		return err
	}
	if err := d.validateAcyclic(); err != nil {
		return err
	}

	return nil
}

// TriggerStep returns the definition's entry step.
func (d *Definition) TriggerStep() *Step {
	for i := range d.Steps {
		if d.Steps[i].Kind == StepKindTrigger {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (d *Definition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Hash fingerprints the definition content. Version and publication metadata
// are excluded so republishing an unchanged file is a no-op.
func (d *Definition) Hash() string {
	clone := *d
	clone.Version = 0

	// JSON field order is deterministic for structs, so the digest is stable.
	data, err := json.Marshal(&clone)
	if err != nil {
		// Definitions are plain data; marshaling cannot fail in practice.
		data = []byte(d.ID)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validate checks a single step. stepIDs carries every declared step id for
// target checks.
func (s *Step) validate(stepIDs map[string]bool, eval *expression.Evaluator) error {
	if !ValidStepKinds[s.Kind] {
		return fmt.Errorf("invalid step kind: %q", s.Kind)
	}

	if err := s.validateKindConfig(stepIDs); err != nil {
		return err
	}

	if err := CheckTemplate(s.Title); err != nil {
		return fmt.Errorf("invalid title template: %w", err)
	}

	for i, conn := range s.Next {
		if conn.TargetStepID == "" {
			return fmt.Errorf("connection %d has no targetStepId", i)
		}
		if !stepIDs[conn.TargetStepID] {
			return fmt.Errorf("connection %d targets unknown step: %s", i, conn.TargetStepID)
		}
		if conn.Condition != "" {
			if err := eval.Check(conn.Condition); err != nil {
				return fmt.Errorf("connection %d condition: %w", i, err)
			}
		}
	}

	switch s.Kind {
	case StepKindTrigger:
		if len(s.Next) != 1 {
			return fmt.Errorf("trigger step must have exactly one connection, got %d", len(s.Next))
		}
		if s.Next[0].Condition != "" {
			return fmt.Errorf("trigger connection must be unconditional")
		}
	case StepKindDecision:
		if len(s.Next) == 0 && s.DefaultTarget == "" {
			return fmt.Errorf("decision step needs connections or a defaultTarget")
		}
		if s.DefaultTarget != "" && !stepIDs[s.DefaultTarget] {
			return fmt.Errorf("defaultTarget references unknown step: %s", s.DefaultTarget)
		}
	default:
		if s.DefaultTarget != "" {
			return fmt.Errorf("defaultTarget is only valid on decision steps")
		}
	}

	return nil
}

// validateKindConfig checks that exactly the matching config block is set
// and that its fields are coherent.
func (s *Step) validateKindConfig(stepIDs map[string]bool) error {
	var configured []string
	if s.Foreach != nil {
		configured = append(configured, "foreach")
	}
	if s.Join != nil {
		configured = append(configured, "join")
	}
	if s.External != nil {
		configured = append(configured, "external")
	}
	if s.Webhook != nil {
		configured = append(configured, "webhook")
	}
	if s.Subflow != nil {
		configured = append(configured, "subflow")
	}

	expected := map[StepKind]string{
		StepKindForeach:  "foreach",
		StepKindJoin:     "join",
		StepKindExternal: "external",
		StepKindWebhook:  "webhook",
		StepKindSubflow:  "subflow",
	}[s.Kind]

	for _, name := range configured {
		if name != expected {
			return fmt.Errorf("%s config is not valid on a %s step", name, s.Kind)
		}
	}

	switch s.Kind {
	case StepKindForeach:
		if s.Foreach == nil {
			return fmt.Errorf("foreach step requires a foreach config")
		}
		return s.Foreach.validate(stepIDs)
	case StepKindJoin:
		if s.Join == nil {
			return fmt.Errorf("join step requires a join config")
		}
		return s.Join.validate(stepIDs)
	case StepKindExternal:
		// External config is optional; defaults cover the single-callback case.
		if s.External != nil {
			return s.External.validate()
		}
	case StepKindWebhook:
		if s.Webhook == nil {
			return fmt.Errorf("webhook step requires a webhook config")
		}
		return s.Webhook.validate()
	case StepKindSubflow:
		if s.Subflow == nil {
			return fmt.Errorf("subflow step requires a subflow config")
		}
		return s.Subflow.validate()
	}

	return nil
}

func (f *ForeachConfig) validate(stepIDs map[string]bool) error {
	switch f.ItemsSource {
	case ItemsSourcePayload, ItemsSourceExternalCallback:
	default:
		return fmt.Errorf("invalid itemsSource: %q (must be payload or external_callback)", f.ItemsSource)
	}

	if f.ItemsSource == ItemsSourcePayload && f.ItemsPath == "" {
		return fmt.Errorf("itemsPath is required when itemsSource is payload")
	}
	if err := jsonpath.Validate(f.ItemsPath); err != nil {
		return fmt.Errorf("itemsPath: %w", err)
	}
	if err := jsonpath.Validate(f.ExpectedCountPath); err != nil {
		return fmt.Errorf("expectedCountPath: %w", err)
	}

	if f.MaxItems < 1 || f.MaxItems > MaxMaxItems {
		return fmt.Errorf("maxItems must be between 1 and %d, got %d", MaxMaxItems, f.MaxItems)
	}

	if f.ChildStepID == "" {
		return fmt.Errorf("childStepId is required")
	}
	if !stepIDs[f.ChildStepID] {
		return fmt.Errorf("childStepId references unknown step: %s", f.ChildStepID)
	}

	if err := CheckTemplate(f.ItemTitle); err != nil {
		return fmt.Errorf("invalid itemTitle template: %w", err)
	}

	if f.DeadlineMs < 0 {
		return fmt.Errorf("deadlineMs must not be negative")
	}
	if f.MinSuccessPercent < 0 || f.MinSuccessPercent > 100 {
		return fmt.Errorf("minSuccessPercent must be between 0 and 100, got %v", f.MinSuccessPercent)
	}

	return nil
}

func (j *JoinConfig) validate(stepIDs map[string]bool) error {
	if j.AwaitStepID == "" {
		return fmt.Errorf("awaitStepId is required")
	}
	if !stepIDs[j.AwaitStepID] {
		return fmt.Errorf("awaitStepId references unknown step: %s", j.AwaitStepID)
	}
	if !ValidJoinScopes[j.Scope] {
		return fmt.Errorf("invalid scope: %q (must be children, step_tasks, or descendants)", j.Scope)
	}
	if j.Boundary != nil {
		return j.Boundary.validate()
	}
	return nil
}

func (b *Boundary) validate() error {
	if b.MinCount != nil && *b.MinCount < 1 {
		return fmt.Errorf("minCount must be at least 1, got %d", *b.MinCount)
	}
	if b.MinSuccessPercent != nil && (*b.MinSuccessPercent < 0 || *b.MinSuccessPercent > 100) {
		return fmt.Errorf("minSuccessPercent must be between 0 and 100, got %v", *b.MinSuccessPercent)
	}
	if b.MaxWaitMs < 0 {
		return fmt.Errorf("maxWaitMs must not be negative")
	}
	return nil
}

func (e *ExternalConfig) validate() error {
	if e.ExpectedCallbacks < 1 {
		return fmt.Errorf("expectedCallbacks must be at least 1, got %d", e.ExpectedCallbacks)
	}
	if e.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	return nil
}

func (w *WebhookConfig) validate() error {
	if w.URL == "" {
		return fmt.Errorf("url is required")
	}
	if err := CheckTemplate(w.URL); err != nil {
		return fmt.Errorf("invalid url template: %w", err)
	}
	// Templated URLs are checked at render time; literal ones now.
	if !strings.Contains(w.URL, "{{") {
		parsed, err := url.Parse(w.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
		}
	}

	switch w.Method {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return fmt.Errorf("invalid method: %q", w.Method)
	}

	for name, value := range w.Headers {
		if name == "" {
			return fmt.Errorf("header name must not be empty")
		}
		if err := CheckTemplate(value); err != nil {
			return fmt.Errorf("invalid template for header %s: %w", name, err)
		}
	}

	if err := CheckTemplate(w.Body); err != nil {
		return fmt.Errorf("invalid body template: %w", err)
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	if w.BackoffBaseMs < 0 {
		return fmt.Errorf("backoffBaseMs must not be negative")
	}
	if w.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}

	for _, code := range w.SuccessStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("invalid success status code: %d", code)
		}
	}

	return nil
}

func (s *SubflowConfig) validate() error {
	if s.WorkflowID == "" {
		return fmt.Errorf("workflowId is required")
	}
	for key, path := range s.InputMapping {
		if key == "" {
			return fmt.Errorf("inputMapping key must not be empty")
		}
		if err := jsonpath.Validate(path); err != nil {
			return fmt.Errorf("inputMapping %s: %w", key, err)
		}
	}
	return nil
}

// validateReachability walks the graph from the trigger and rejects steps
// no run could ever activate. Foreach child steps are reachable through
// materialization; join await steps are not edges.
func (d *Definition) validateReachability(triggerID string) error {
	adjacent := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		var targets []string
		for _, conn := range step.Next {
			targets = append(targets, conn.TargetStepID)
		}
		if step.DefaultTarget != "" {
			targets = append(targets, step.DefaultTarget)
		}
		if step.Foreach != nil && step.Foreach.ChildStepID != "" {
			targets = append(targets, step.Foreach.ChildStepID)
		}
		adjacent[step.ID] = targets
	}

	seen := map[string]bool{triggerID: true}
	queue := []string{triggerID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for _, step := range d.Steps {
		if !seen[step.ID] {
			unreachable = append(unreachable, step.ID)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return &wefterrors.ValidationError{
			Field:      "steps",
			Message:    fmt.Sprintf("unreachable steps: %s", strings.Join(unreachable, ", ")),
			Suggestion: "connect them from a reachable step or remove them",
		}
	}

	return nil
}

// validateAcyclic rejects definitions whose connection graph loops back on
// itself. A run records each completed step exactly once, so a step can be
// activated at most once per run.
func (d *Definition) validateAcyclic() error {
	adjacent := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		var targets []string
		for _, conn := range step.Next {
			targets = append(targets, conn.TargetStepID)
		}
		if step.DefaultTarget != "" {
			targets = append(targets, step.DefaultTarget)
		}
		if step.Foreach != nil && step.Foreach.ChildStepID != "" {
			targets = append(targets, step.Foreach.ChildStepID)
		}
		adjacent[step.ID] = targets
	}

	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(d.Steps))

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onPath
		for _, next := range adjacent[id] {
			switch state[next] {
			case onPath:
				return []string{id, next}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return append([]string{id}, cycle...)
				}
			}
		}
		state[id] = done
		return nil
	}

	for _, step := range d.Steps {
		if state[step.ID] != unvisited {
			continue
		}
		cycle := visit(step.ID)
		if cycle == nil {
			continue
		}
		// Trim the lead-in so the message shows only the loop itself.
		repeated := cycle[len(cycle)-1]
		for i, id := range cycle {
			if id == repeated {
				cycle = cycle[i:]
				break
			}
		}
		return &wefterrors.ValidationError{
			Field:      "next",
			Message:    fmt.Sprintf("connection cycle: %s", strings.Join(cycle, " -> ")),
			Suggestion: "workflow graphs must be acyclic; use a subflow step to repeat work",
		}
	}
	return nil
}
