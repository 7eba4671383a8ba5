package provider

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// ErrMalformedVerdict is returned when a response is not a valid verdict.
var ErrMalformedVerdict = errors.New("malformed provider verdict")

const verdictSchemaURL = "converge://verdict.json"

const verdictSchema = `{
  "type": "object",
  "required": ["outcome", "reason"],
  "properties": {
    "outcome": {"enum": ["pass", "fail"]},
    "reason": {"type": "string"}
  }
}`

var (
	codeBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Verdict is the structured answer every provider must produce.
type Verdict struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

func verdictValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(verdictSchema))
		if err != nil {
			schemaErr = goerr.Wrap(err, "failed to parse verdict schema")
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(verdictSchemaURL, doc); err != nil {
			schemaErr = goerr.Wrap(err, "failed to add verdict schema")
			return
		}
		compiledSchema, schemaErr = compiler.Compile(verdictSchemaURL)
		if schemaErr != nil {
			schemaErr = goerr.Wrap(schemaErr, "failed to compile verdict schema")
		}
	})
	return compiledSchema, schemaErr
}

// ParseVerdict extracts a JSON verdict from model output, tolerating code
// fences and surrounding prose, and validates it against the verdict schema.
func ParseVerdict(text string) (Verdict, error) {
	raw := extractJSON(text)
	if raw == "" {
		return Verdict{}, goerr.Wrap(ErrMalformedVerdict, "no JSON object in response", goerr.V("response", truncate(text, 200)))
	}
	schema, err := verdictValidator()
	if err != nil {
		return Verdict{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Verdict{}, goerr.Wrap(ErrMalformedVerdict, "response is not valid JSON", goerr.V("json", truncate(raw, 200)), goerr.V("cause", err.Error()))
	}
	if err := schema.Validate(instance); err != nil {
		return Verdict{}, goerr.Wrap(ErrMalformedVerdict, "response does not match verdict schema", goerr.V("cause", err.Error()))
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, goerr.Wrap(ErrMalformedVerdict, "failed to decode verdict", goerr.V("cause", err.Error()))
	}
	return v, nil
}

// Result converts a verdict into a check result.
func (v Verdict) Result(check resolver.ResolvedCheck) evaluate.CheckResult {
	outcome := evaluate.OutcomeFail
	if v.Outcome == string(evaluate.OutcomePass) {
		outcome = evaluate.OutcomePass
	}
	return evaluate.CheckResult{
		Name:      check.Name,
		Outcome:   outcome,
		Required:  check.Required,
		CheckType: check.CheckType,
		Message:   strings.TrimSpace(v.Reason),
	}
}

// resultFromText parses text as a verdict; parse failures become error
// outcomes.
func resultFromText(name string, check resolver.ResolvedCheck, text string) evaluate.CheckResult {
	verdict, err := ParseVerdict(text)
	if err != nil {
		return evaluate.Error(check, name+": "+err.Error())
	}
	return verdict.Result(check)
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if matches := codeBlockRegex.FindStringSubmatch(text); len(matches) > 1 {
		text = strings.TrimSpace(matches[1])
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
