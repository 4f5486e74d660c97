// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"

	"github.com/loom-run/loom/pkg/depgraph"
	"github.com/loom-run/loom/pkg/semver"
)

type (
	// SaveMode selects which manifest section a successful install records
	// the new requirements in.
	SaveMode int

	// PlanOptions carries the flag surface of one install run.
	PlanOptions struct {
		// Dev expands the root target's dev-dependencies.
		Dev bool
		// Production suppresses dev-dependency expansion even when Dev is
		// set.
		Production bool
		// Develop materializes local-path targets as link files instead of
		// copies.
		Develop bool
		// Global places into the user-global modules directory instead of
		// the workspace.
		Global bool
		// Root promotes a global placement to the system prefix. Global
		// placements inside an isolated environment are promoted to Root
		// automatically unless GlobalStaysGlobal is set.
		Root bool
		// GlobalStaysGlobal disables the automatic Global-to-Root
		// promotion inside an isolated environment.
		GlobalStaysGlobal bool
		// IgnoreInstalled forces re-placement of satisfied packages.
		IgnoreInstalled bool
		// Recursive re-evaluates the sub-trees of satisfied dependencies.
		Recursive bool
		// Save records installed requirements in the workspace manifest.
		Save SaveMode
	}

	// Decision records how a selector conflict was settled, for CLI
	// reporting.
	Decision struct {
		// Package is the contested package name.
		Package string
		// Selectors are the competing selector strings.
		Selectors []string
		// Chosen is the version the package was first resolved to, which
		// stands.
		Chosen string
	}

	// PlanResult is the resolved, placement-ordered install plan.
	PlanResult struct {
		// Modules lists every resolved module, dependencies before their
		// dependents.
		Modules []*ResolvedModule
		// Decisions records the conflict resolutions the planner made.
		Decisions []Decision
	}
)

const (
	// SaveNone leaves the manifest untouched.
	SaveNone SaveMode = iota
	// SaveRuntime records under "dependencies".
	SaveRuntime
	// SaveDev records under "dev-dependencies".
	SaveDev
	// SaveExtension records under "extensions".
	SaveExtension
)

// plan expands the transitive dependency set of the given root
// requirements. Dev-dependencies are only expanded for the root targets.
// When a later dependent's selector rejects the version a package was
// already resolved to, the first resolution stands and the planner records
// the decision and warns; no other version is selected. Two or more exact
// pins on one package are an error.
// claim tracks one dependent's selector on a contested package.
type claim struct {
	selector string
	exact    bool
}

func (ins *Installer) plan(ctx context.Context, roots []Requirement, opts PlanOptions) (*PlanResult, error) {
	result := &PlanResult{}
	resolved := make(map[string]*ResolvedModule)
	claims := make(map[string][]claim)
	graph := depgraph.New()
	inProgress := make(map[string]bool)

	var walk func(req Requirement, parent string, isRoot bool) error
	walk = func(req Requirement, parent string, isRoot bool) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		key := requirementKey(req)
		if parent != "" {
			graph.DependOn(parent, key)
		} else {
			graph.AddNode(key)
		}

		sel, err := semver.ParseSelector(req.Selector)
		if err != nil {
			return fmt.Errorf("install: invalid selector for %s: %w", req.Name, err)
		}
		_, isVersion := sel.(*semver.VersionSelector)
		claims[key] = append(claims[key], claim{selector: req.Selector, exact: isVersion && isExactSelector(req.Selector)})

		if prior, ok := resolved[key]; ok {
			if !sel.Matches(mustVersion(prior.ResolvedVersion)) {
				return ins.settleConflict(result, prior, claims[key])
			}
			return nil
		}
		if inProgress[key] {
			return fmt.Errorf("install: circular dependency detected at %s", key)
		}
		inProgress[key] = true
		defer delete(inProgress, key)

		mod, err := ins.resolveOne(ctx, req)
		if err != nil {
			return err
		}
		resolved[key] = mod

		deps := mod.TransitiveDeps
		if isRoot && mod.Manifest != nil && mod.Manifest.DevDependencies != nil && opts.Dev && !opts.Production {
			mod.Manifest.DevDependencies.Each(func(name, sel string) bool {
				deps = append(deps, Requirement{Name: name, Selector: sel, Dev: true})
				return true
			})
		}
		for _, dep := range deps {
			if err := walk(dep, key, false); err != nil {
				return fmt.Errorf("install: dependency %s of %s: %w", requirementKey(dep), key, err)
			}
		}
		return nil
	}

	for _, req := range roots {
		if err := walk(req, "", true); err != nil {
			return nil, err
		}
	}

	order, err := graph.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("install: ordering placements: %w", err)
	}
	for _, key := range order {
		if mod, ok := resolved[key]; ok {
			result.Modules = append(result.Modules, mod)
		}
	}
	return result, nil
}

// settleConflict handles a dependent whose selector rejects the already
// resolved version of a package. Two incompatible exact pins cannot be
// settled; otherwise the existing resolution (the version chosen for the
// first dependent) stands and the decision is recorded with a warning.
func (ins *Installer) settleConflict(result *PlanResult, prior *ResolvedModule, claims []claim) error {
	selectors := make([]string, 0, len(claims))
	exactCount := 0
	for _, c := range claims {
		selectors = append(selectors, c.selector)
		if c.exact {
			exactCount++
		}
	}

	if exactCount > 1 {
		return &InstallConflictError{Package: prior.Requirement.Name, Selectors: selectors}
	}

	decision := Decision{
		Package:   prior.Requirement.Name,
		Selectors: selectors,
		Chosen:    prior.ResolvedVersion,
	}
	result.Decisions = append(result.Decisions, decision)
	ins.logger.Warn("selector conflict",
		"package", decision.Package,
		"selectors", selectors,
		"chosen", decision.Chosen)
	return nil
}

// isExactSelector reports whether a selector string pins one version
// exactly.
func isExactSelector(s string) bool {
	c, err := semver.ParseConstraint(s)
	return err == nil && c.Op == "="
}

// mustVersion parses a version the installer itself produced.
func mustVersion(s string) *semver.Version {
	v, err := semver.ParseVersion(s)
	if err != nil {
		return &semver.Version{Original: s}
	}
	return v
}
