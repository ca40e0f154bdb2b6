package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RiskLevel classifies how dangerous a tool is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Classification is one entry of tools.yaml.
type Classification struct {
	Risk     RiskLevel `yaml:"risk,omitempty" json:"risk,omitempty"`
	Category string    `yaml:"category,omitempty" json:"category,omitempty"`
}

// ToolRegistrar is implemented by authorities that accept tool metadata.
type ToolRegistrar interface {
	RegisterTool(ctx context.Context, name string, risk RiskLevel, category string) error
}

// PolicyLoader is implemented by authorities that accept policy documents.
type PolicyLoader interface {
	LoadPolicies(ctx context.Context, document []byte) error
}

// RegisterTools hands every classified tool, and every discovered tool
// without a classification, to the authority. Missing risks fall back to
// unknownRisk. Authorities that are not registrars are left alone.
func RegisterTools(ctx context.Context, a Authority, discovered []string, classes map[string]Classification, unknownRisk RiskLevel) error {
	registrar, ok := a.(ToolRegistrar)
	if !ok {
		return nil
	}

	merged := make(map[string]Classification, len(classes)+len(discovered))
	for name, c := range classes {
		merged[name] = c
	}
	for _, name := range discovered {
		if _, found := merged[name]; !found {
			merged[name] = Classification{}
		}
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		c := merged[name]
		risk := c.Risk
		if risk == "" {
			risk = unknownRisk
		}
		if err := registrar.RegisterTool(ctx, name, risk, c.Category); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadFiles reads each policy file and passes the raw document to the
// authority. Empty documents are skipped. It returns how many were loaded.
func LoadFiles(ctx context.Context, a Authority, paths []string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loader, ok := a.(PolicyLoader)
	if !ok {
		if len(paths) > 0 {
			logger.Warn("decision authority does not accept policy files", zap.Int("files", len(paths)))
		}
		return 0, nil
	}

	loaded := 0
	var errs []error
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var doc any
		if err := yaml.Unmarshal(buf, &doc); err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", path, err))
			continue
		}
		if doc == nil {
			continue
		}
		if err := loader.LoadPolicies(ctx, buf); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		logger.Debug("loaded policy file", zap.String("path", path))
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// LoadDocuments wraps each policy as {"policies": [policy]} and loads it.
// It is used for policies delivered by a policy server.
func LoadDocuments(ctx context.Context, a Authority, policies []map[string]any) (int, error) {
	loader, ok := a.(PolicyLoader)
	if !ok {
		return 0, nil
	}

	loaded := 0
	var errs []error
	for i, p := range policies {
		buf, err := yaml.Marshal(map[string]any{"policies": []map[string]any{p}})
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", policyName(p, i), err))
			continue
		}
		if err := loader.LoadPolicies(ctx, buf); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", policyName(p, i), err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

func policyName(p map[string]any, i int) string {
	for _, key := range []string{"id", "name"} {
		if v, ok := p[key]; ok {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("#%d", i)
}
