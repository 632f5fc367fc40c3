package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"opflow/contract"
	"opflow/db"
	"opflow/ml"
)

// OperatorReader reads operator definitions.
type OperatorReader interface {
	GetOperatorByID(ctx context.Context, id string) (*db.Operator, error)
}

// Policy decides what happens when several parents resolve to a family.
type Policy int

const (
	// PolicyLastParent uses the last resolvable parent in declared order.
	PolicyLastParent Policy = iota
	// PolicyRequireAgreement fails unless every resolvable parent agrees.
	PolicyRequireAgreement
)

// ParsePolicy reads a policy name from configuration.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "last_parent":
		return PolicyLastParent, nil
	case "require_agreement":
		return PolicyRequireAgreement, nil
	default:
		return PolicyLastParent, fmt.Errorf("unknown resolver policy %q", name)
	}
}

func (p Policy) String() string {
	if p == PolicyRequireAgreement {
		return "require_agreement"
	}
	return "last_parent"
}

// Resolver finds which model family feeds a prediction operator by walking
// its direct parents.
type Resolver struct {
	operators OperatorReader
	policy    Policy
}

func NewResolver(operators OperatorReader, policy Policy) *Resolver {
	return &Resolver{operators: operators, policy: policy}
}

// ResolveFamily returns the model family of operatorID's upstream model.
// Parents that are not model operators are skipped as long as at least one
// parent resolves.
func (r *Resolver) ResolveFamily(ctx context.Context, operatorID string) (ml.Family, error) {
	op, err := r.operators.GetOperatorByID(ctx, operatorID)
	if err != nil {
		return "", err
	}
	if len(op.ParentIDs) == 0 {
		return "", contract.NewErrorf(contract.NoUpstreamOperator, "operator %s has no upstream operator", operatorID)
	}

	var resolved []ml.Family
	var firstErr error
	for _, parentID := range op.ParentIDs {
		parent, err := r.operators.GetOperatorByID(ctx, parentID)
		if err != nil {
			return "", err
		}
		family, err := parentFamily(parent)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resolved = append(resolved, family)
	}
	if len(resolved) == 0 {
		return "", firstErr
	}

	last := resolved[len(resolved)-1]
	if r.policy == PolicyRequireAgreement {
		for _, f := range resolved {
			if f != last {
				return "", contract.NewErrorf(contract.AmbiguousUpstream,
					"operator %s has upstream models of different families: %v", operatorID, resolved)
			}
		}
	}
	return last, nil
}

func parentFamily(parent *db.Operator) (ml.Family, error) {
	typeID := parent.TypeID
	if typeID == TypeModelLoader {
		var err error
		if typeID, err = modelLoaderType(parent); err != nil {
			return "", err
		}
	}
	family, ok := FamilyForType(typeID)
	if !ok {
		return "", contract.NewErrorf(contract.UnknownModelFamily,
			"operator %s has type %d, which is not a model operator", parent.ID, typeID)
	}
	return family, nil
}

// modelLoaderType reads parameter.modelTypeId from a model loader's config.
// The id may be stored as a number or as numeric text.
func modelLoaderType(op *db.Operator) (int, error) {
	if !gjson.Valid(op.Config) {
		return 0, contract.NewErrorf(contract.UnknownModelFamily, "model loader %s has malformed config", op.ID)
	}
	v := gjson.Get(op.Config, "parameter.modelTypeId")
	switch v.Type {
	case gjson.Number:
		return int(v.Int()), nil
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(v.Str))
		if err == nil {
			return n, nil
		}
	}
	return 0, contract.NewErrorf(contract.UnknownModelFamily,
		"model loader %s has no usable parameter.modelTypeId (%s)", op.ID, v.Raw)
}
