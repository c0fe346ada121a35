package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/testgen/internal/models"
)

// TemplateGenerator is the default offline Generator. It renders a
// deterministic test skeleton from the job's feature name and config so the
// whole pipeline runs without an LLM key. The LLM-backed generator satisfies
// the same interface and is swapped in at wiring time.
type TemplateGenerator struct{}

// NewTemplateGenerator creates a template-based generator
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// Generate produces one test file per requested test type
func (g *TemplateGenerator) Generate(ctx context.Context, job *models.GenerationJob) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	testTypes := []string{"functional"}
	if raw, ok := job.Config["test_types"].([]any); ok && len(raw) > 0 {
		testTypes = testTypes[:0]
		for _, t := range raw {
			if s, ok := t.(string); ok && s != "" {
				testTypes = append(testTypes, s)
			}
		}
	}
	if len(testTypes) == 0 {
		return nil, fmt.Errorf("no test types requested")
	}

	slug := featureSlug(job.FeatureName)
	files := make(map[string]string, len(testTypes))
	for _, testType := range testTypes {
		name := fmt.Sprintf("%s_%s_test.md", slug, testType)
		files[name] = renderTestCase(job.FeatureName, testType)
	}
	return files, nil
}

func featureSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, slug)
	return strings.Trim(slug, "_")
}

func renderTestCase(feature, testType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s - %s tests\n\n", feature, testType)
	fmt.Fprintf(&b, "## TC-1: %s happy path\n", feature)
	b.WriteString("- Precondition: application is reachable\n")
	b.WriteString("- Steps: exercise the feature with valid input\n")
	b.WriteString("- Expected: operation succeeds and state is persisted\n\n")
	fmt.Fprintf(&b, "## TC-2: %s invalid input\n", feature)
	b.WriteString("- Steps: exercise the feature with malformed input\n")
	b.WriteString("- Expected: validation error is shown, no state change\n")
	return b.String()
}
