package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/orchestra/pkg/taskqueue"
)

// ErrInvalidPayload marks a task whose payload fails its agent's schema. Such
// tasks are dropped without being requeued.
var ErrInvalidPayload = errors.New("dispatch: payload rejected by schema")

// RequirePayloadSchema validates every task routed to agent against a JSON
// Schema (draft 2020-12) before its handler runs. An empty schema removes the
// check.
func (d *Dispatcher) RequirePayloadSchema(agent, schema string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if schema == "" {
		delete(d.schemas, agent)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://orchestra.schemas.local/dispatch/%s.schema.json", agent)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("dispatch: schema load failed for %s: %w", agent, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("dispatch: schema compile failed for %s: %w", agent, err)
	}
	d.schemas[agent] = compiled
	return nil
}

func (d *Dispatcher) checkPayload(t *taskqueue.Task) error {
	d.mu.Lock()
	schema, ok := d.schemas[t.AgentName]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	// Normalize through JSON so typed Go values validate like decoded documents.
	raw, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
