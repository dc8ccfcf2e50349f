package orchestrator

import "strings"

// roleKeywords is the fixed keyword table the analyzer matches against a
// lowercased task description. Order fixes the role order in the result.
var roleKeywords = []struct {
	role     string
	keywords []string
}{
	{"quant_researcher", []string{"strategy", "signal", "alpha", "backtest", "factor", "research", "model"}},
	{"quant_dev", []string{"implement", "code", "develop", "refactor", "fix", "build"}},
	{"quant_dev_infra", []string{"ci", "pipeline", "deploy", "infra", "performance", "latency", "gate"}},
	{"data_engineer", []string{"data", "dataset", "etl", "feed", "ingest"}},
	{"tester", []string{"test", "verify", "validate", "qa", "regression"}},
	{"doc_writer", []string{"document", "doc", "readme", "spec"}},
}

// Analysis is the analyzer's view of a task description.
type Analysis struct {
	RequiredRoles     []string
	Complexity        Complexity
	EstimatedDuration int
	CanParallelize    bool
}

// Analyze infers the roles a description needs. Duration is estimated at
// thirty minutes per role.
func Analyze(description string) Analysis {
	text := strings.ToLower(description)

	var roles []string
	for _, entry := range roleKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				roles = append(roles, entry.role)
				break
			}
		}
	}
	if len(roles) == 0 {
		roles = []string{"quant_dev"}
	}

	complexity := ComplexityComplex
	switch {
	case len(roles) <= 1:
		complexity = ComplexitySimple
	case len(roles) <= 2:
		complexity = ComplexityMedium
	}

	return Analysis{
		RequiredRoles:     roles,
		Complexity:        complexity,
		EstimatedDuration: 30 * 60 * len(roles),
		CanParallelize:    len(roles) > 1,
	}
}
