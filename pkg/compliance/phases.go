package compliance

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/concordhq/substrate/pkg/lens"
)

// phase is the concrete Phase used by the standard set. Checks are pure
// functions of the adapter.
type phase struct {
	name      string
	appliesTo []lens.Classification
	eval      func(a *lens.Adapter) []string // failure reasons; empty means pass
}

func (p *phase) Name() string                     { return p.name }
func (p *phase) AppliesTo() []lens.Classification { return p.appliesTo }

func (p *phase) Evaluate(a *lens.Adapter) PhaseResult {
	if reasons := p.eval(a); len(reasons) > 0 {
		return PhaseResult{Status: StatusFailed, Reasons: reasons}
	}
	return PhaseResult{Status: StatusPassed}
}

func all() []lens.Classification { return lens.Classifications }

func except(excluded ...lens.Classification) []lens.Classification {
	var out []lens.Classification
	for _, c := range lens.Classifications {
		skip := false
		for _, e := range excluded {
			if c == e {
				skip = true
			}
		}
		if !skip {
			out = append(out, c)
		}
	}
	return out
}

func only(cs ...lens.Classification) []lens.Classification { return cs }

// standardPhases returns the twelve phases in their canonical order.
func standardPhases() []Phase {
	return []Phase{
		&phase{name: "structure", appliesTo: all(), eval: checkStructure},
		&phase{name: "dtu_bridge", appliesTo: except(lens.ClassCulture), eval: checkDTUBridge},
		&phase{name: "dtu_file_format", appliesTo: except(lens.ClassCulture), eval: checkFileFormat},
		&phase{name: "federation", appliesTo: only(lens.ClassKnowledge, lens.ClassHybrid), eval: checkFederation},
		&phase{name: "marketplace", appliesTo: only(lens.ClassCreative, lens.ClassUtility, lens.ClassHybrid), eval: checkMarketplace},
		&phase{name: "protection", appliesTo: all(), eval: checkProtection},
		&phase{name: "culture_isolation", appliesTo: only(lens.ClassCulture), eval: checkCultureIsolation},
		&phase{name: "quests", appliesTo: only(lens.ClassSocial, lens.ClassCreative, lens.ClassHybrid), eval: checkQuests},
		&phase{name: "creative", appliesTo: only(lens.ClassCreative, lens.ClassHybrid), eval: checkCreative},
		&phase{name: "search", appliesTo: except(lens.ClassCulture), eval: checkSearch},
		&phase{name: "api", appliesTo: only(lens.ClassKnowledge, lens.ClassUtility, lens.ClassHybrid), eval: checkAPI},
		&phase{name: "export", appliesTo: only(lens.ClassKnowledge, lens.ClassCreative, lens.ClassUtility, lens.ClassHybrid), eval: checkExport},
	}
}

func checkStructure(a *lens.Adapter) []string {
	var reasons []string
	if a.ID == "" {
		reasons = append(reasons, "missing lens id")
	}
	if a.Name == "" {
		reasons = append(reasons, "missing lens name")
	}
	if !a.Classification.Valid() {
		reasons = append(reasons, fmt.Sprintf("unknown classification %q", a.Classification))
	}
	if _, err := semver.NewVersion(a.Version); err != nil {
		reasons = append(reasons, fmt.Sprintf("version %q is not semver", a.Version))
	}
	return reasons
}

func checkDTUBridge(a *lens.Adapter) []string {
	if a.DTUBridge == nil {
		return nil
	}
	var reasons []string
	if len(a.DTUBridge.Emits) == 0 {
		reasons = append(reasons, "bridge-enabled lens declares no emitted event types")
	}
	for _, t := range a.DTUBridge.Emits {
		if strings.HasPrefix(t, "dtu:") {
			reasons = append(reasons, fmt.Sprintf("lens may not emit reserved event type %q", t))
		}
	}
	return reasons
}

func checkFileFormat(a *lens.Adapter) []string {
	if a.Export == nil || !a.Export.Enabled {
		return nil
	}
	var reasons []string
	for _, f := range a.Export.Formats {
		switch f {
		case "dtu", "json":
		default:
			reasons = append(reasons, fmt.Sprintf("unsupported export format %q", f))
		}
	}
	return reasons
}

func checkFederation(a *lens.Adapter) []string {
	// Knowledge lenses that bridge events must keep their emissions
	// classifiable: a wildcard emission cannot be scope-resolved.
	if a.DTUBridge == nil {
		return nil
	}
	var reasons []string
	for _, t := range a.DTUBridge.Emits {
		if t == "*" || strings.HasSuffix(t, ":*") {
			reasons = append(reasons, fmt.Sprintf("wildcard emission %q cannot be scope-resolved", t))
		}
	}
	return reasons
}

func checkMarketplace(a *lens.Adapter) []string {
	if a.Marketplace == nil || !a.Marketplace.Enabled {
		return nil
	}
	if a.Marketplace.License == "" {
		return []string{"marketplace-enabled lens must declare a default license"}
	}
	return nil
}

// checkProtection enforces that an ISOLATED protection mode is not
// overridable by the lens's own config.
func checkProtection(a *lens.Adapter) []string {
	if a.Isolation == nil {
		return nil
	}
	var reasons []string
	if a.Isolation.Mode == lens.IsolationIsolated {
		if a.Isolation.Override {
			reasons = append(reasons, "ISOLATED mode cannot be overridden by lens config")
		}
		if a.Isolation.CrossLensVisibility {
			reasons = append(reasons, "ISOLATED lens cannot expose cross-lens visibility")
		}
	}
	return reasons
}

func checkCultureIsolation(a *lens.Adapter) []string {
	var reasons []string
	if a.Isolation == nil {
		reasons = append(reasons, "culture lens must declare isolation config")
	} else if a.Isolation.CrossLensVisibility {
		reasons = append(reasons, "culture lens must set cross_lens_visibility=false")
	}
	if a.Feed != lens.FeedChronological {
		reasons = append(reasons, "culture lens feed must be chronological")
	}
	if a.Marketplace != nil && a.Marketplace.Enabled {
		reasons = append(reasons, "culture lens cannot enable marketplace")
	}
	if a.Citation {
		reasons = append(reasons, "culture lens cannot enable citation")
	}
	if a.Export != nil && a.Export.Enabled {
		reasons = append(reasons, "culture lens cannot enable export")
	}
	return reasons
}

// checkQuests enforces that no quest rewards coin alongside XP.
func checkQuests(a *lens.Adapter) []string {
	var reasons []string
	for _, q := range a.Quests {
		if q.RewardCoin > 0 && q.RewardXP > 0 {
			reasons = append(reasons, fmt.Sprintf("quest %q rewards coin alongside XP", q.ID))
		}
	}
	return reasons
}

func checkCreative(a *lens.Adapter) []string {
	// Creative lenses that trade derivatives must run rights checks on
	// export, or derived works leave the substrate unlicensed.
	if a.Marketplace != nil && a.Marketplace.Enabled &&
		a.Export != nil && a.Export.Enabled && !a.Export.RightsChecked {
		return []string{"creative lens with marketplace export must enable rights checks"}
	}
	return nil
}

func checkSearch(a *lens.Adapter) []string {
	if a.Search == nil || !a.Search.Enabled {
		return nil
	}
	var reasons []string
	for _, layer := range a.Search.Layers {
		switch layer {
		case "human", "core", "machine":
		case "artifact":
			reasons = append(reasons, "artifact layer is opaque and cannot be indexed")
		default:
			reasons = append(reasons, fmt.Sprintf("unknown search layer %q", layer))
		}
	}
	return reasons
}

func checkAPI(a *lens.Adapter) []string {
	if a.API == nil || !a.API.Enabled {
		return nil
	}
	if a.API.RateLimitPerMinute <= 0 {
		return []string{"api-enabled lens must declare a positive rate limit"}
	}
	return nil
}

func checkExport(a *lens.Adapter) []string {
	if a.Export == nil || !a.Export.Enabled {
		return nil
	}
	if len(a.Export.Formats) == 0 {
		return []string{"export-enabled lens declares no formats"}
	}
	return nil
}
