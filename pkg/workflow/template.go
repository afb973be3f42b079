package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// SecretResolver resolves named secrets for webhook templates. Rendering
// fails when a referenced secret cannot be resolved; resolved values are
// never logged.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// RenderContext holds the data available to definition templates.
//
// Task titles see {{.input}}, {{.workflow.name}} and, for item tasks,
// {{.item}}, {{.index}} and {{.total}}. Webhook url, header and body
// templates additionally see {{.run.inputPayload}} and {{secret "name"}}.
type RenderContext struct {
	// Input is the payload the step was activated with
	Input interface{}

	// Output is the completed step's result (completion notifications)
	Output interface{}

	// Item is the current foreach item (item task titles)
	Item interface{}

	// Index is the zero-based item position
	Index int

	// Total is the item count, when known
	Total int

	// Run exposes run fields: id, workflowId, inputPayload
	Run map[string]interface{}

	// Workflow exposes definition fields: id, name, version
	Workflow map[string]interface{}

	// Secrets enables {{secret "name"}}; nil leaves it undefined
	Secrets SecretResolver
}

// toMap flattens the context for template execution.
func (rc *RenderContext) toMap() map[string]interface{} {
	data := map[string]interface{}{
		"input":  rc.Input,
		"output": rc.Output,
		"item":   rc.Item,
		"index":  rc.Index,
		"total":  rc.Total,
	}
	if rc.Run != nil {
		data["run"] = rc.Run
	}
	if rc.Workflow != nil {
		data["workflow"] = rc.Workflow
	}
	return data
}

// Render executes a template string against the given context.
func Render(templateStr string, rc *RenderContext) (string, error) {
	if templateStr == "" {
		return "", nil
	}
	if rc == nil {
		rc = &RenderContext{}
	}

	tmpl, err := template.New("workflow").
		Funcs(templateFuncs(rc.Secrets)).
		Option("missingkey=zero").
		Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rc.toMap()); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	// text/template renders untyped nils as "<no value>".
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// RenderTitle renders a task title template, falling back to fallback when
// the template is empty or renders to an empty string.
func RenderTitle(templateStr, fallback string, rc *RenderContext) (string, error) {
	if templateStr == "" {
		return fallback, nil
	}
	title, err := Render(templateStr, rc)
	if err != nil {
		return "", err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return fallback, nil
	}
	return title, nil
}

// CheckTemplate parses a template string without executing it. Definition
// validation uses this to reject bad syntax before publication.
func CheckTemplate(templateStr string) error {
	if templateStr == "" {
		return nil
	}
	_, err := template.New("workflow").
		Funcs(templateFuncs(nil)).
		Parse(templateStr)
	return err
}

// templateFuncs builds the function map for definition templates. The secret
// function resolves through the given resolver; with a nil resolver any
// secret reference fails at render time (and parses cleanly at check time).
func templateFuncs(secrets SecretResolver) template.FuncMap {
	return template.FuncMap{
		"json":    jsonFunc,
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"trim":    strings.TrimSpace,
		"default": defaultFunc,
		"secret": func(name string) (string, error) {
			if secrets == nil {
				return "", fmt.Errorf("secret %q referenced but no secret provider is configured", name)
			}
			value, err := secrets.Resolve(name)
			if err != nil {
				return "", fmt.Errorf("secret %q: %w", name, err)
			}
			return value, nil
		},
	}
}

// jsonFunc marshals a value for embedding in webhook bodies.
func jsonFunc(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json: %w", err)
	}
	return string(data), nil
}

// defaultFunc returns fallback when value is nil or an empty string.
func defaultFunc(fallback, value interface{}) interface{} {
	if value == nil {
		return fallback
	}
	if s, ok := value.(string); ok && s == "" {
		return fallback
	}
	return value
}
