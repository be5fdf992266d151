package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

// DecodeStructured parses provider output as JSON of type T. The output
// must validate against the schema inferred from T; anything else fails
// with ErrProviderError. A surrounding markdown code fence is tolerated.
func DecodeStructured[T any](output string) (T, error) {
	var zero T

	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return zero, goerr.Wrap(err, "failed to infer output schema")
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return zero, goerr.Wrap(err, "failed to resolve output schema")
	}

	raw := stripCodeFence(output)
	var instance any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return zero, goerr.Wrap(ErrProviderError, "provider output is not valid JSON",
			goerr.V("cause", err.Error()), goerr.V("output", truncate(output, 200)))
	}
	if err := resolved.Validate(instance); err != nil {
		return zero, goerr.Wrap(ErrProviderError, "provider output does not match schema",
			goerr.V("cause", err.Error()), goerr.V("output", truncate(output, 200)))
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, goerr.Wrap(ErrProviderError, "failed to decode provider output", goerr.V("cause", err.Error()))
	}
	return out, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
