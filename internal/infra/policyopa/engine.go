// Package policyopa evaluates intervention and export authorization
// against a rego bundle loaded from disk. Policies run sandboxed: only a
// deterministic builtin subset is compiled in, so a bundle cannot reach
// the network, the clock, or a random source.
package policyopa

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"custodia/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const resultQuery = "data.custodia.authz.result"

type Engine struct {
	prepared   rego.PreparedEvalQuery
	bundleID   string
	bundleHash string
}

// NewEngineFromBundlePath compiles the rego bundle at bundlePath. A
// policy that calls a builtin outside the deterministic subset fails
// compilation here rather than at evaluation time.
func NewEngineFromBundlePath(ctx context.Context, bundlePath string, bundleID string) (*Engine, error) {
	bundleHash, err := ComputeBundleHashFromPath(bundlePath)
	if err != nil {
		return nil, err
	}

	compiler := ast.NewCompiler().WithCapabilities(deterministicCapabilities())
	prepared, err := rego.New(
		rego.Query(resultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Load([]string{bundlePath}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	return &Engine{prepared: prepared, bundleID: bundleID, bundleHash: bundleHash}, nil
}

func (e *Engine) BundleHash() string { return e.bundleHash }

func (e *Engine) Evaluate(ctx context.Context, input domain.AuthzInput) (domain.PolicyEvaluation, error) {
	if e == nil {
		return domain.PolicyEvaluation{}, errors.New("policy engine is nil")
	}
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return domain.PolicyEvaluation{}, errors.New("empty policy result")
	}

	// The rego result comes back as generic maps; a JSON round trip is
	// the simplest faithful projection onto the typed result.
	payload, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	var result domain.PolicyResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.PolicyEvaluation{}, err
	}

	// Deny ordering is part of the contract: callers surface Deny[0].
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code != result.Deny[j].Code {
			return result.Deny[i].Code < result.Deny[j].Code
		}
		return result.Deny[i].Message < result.Deny[j].Message
	})

	return domain.PolicyEvaluation{
		BundleID:   e.bundleID,
		BundleHash: e.bundleHash,
		Result:     result,
	}, nil
}
