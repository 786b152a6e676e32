// ABOUTME: Context fidelity modes controlling how much accumulated context codergen preambles carry.
// ABOUTME: Resolution precedence: edge attribute > target node > graph default > compact.
package attractor

// FidelityMode selects how much prior context a transition carries.
type FidelityMode string

const (
	FidelityFull     FidelityMode = "full"
	FidelityTruncate FidelityMode = "truncate"
	FidelityCompact  FidelityMode = "compact"
	FidelitySummary  FidelityMode = "summary"
)

var validFidelityModes = map[string]bool{
	string(FidelityFull):     true,
	string(FidelityTruncate): true,
	string(FidelityCompact):  true,
	string(FidelitySummary):  true,
}

// IsValidFidelity reports whether mode names a recognized fidelity mode.
func IsValidFidelity(mode string) bool {
	return validFidelityModes[mode]
}

// ValidFidelityModes returns the recognized fidelity mode strings.
func ValidFidelityModes() []string {
	return []string{
		string(FidelityFull),
		string(FidelityTruncate),
		string(FidelityCompact),
		string(FidelitySummary),
	}
}

// ResolveFidelity resolves the fidelity mode for a transition into
// targetNode over edge.
func ResolveFidelity(edge *Edge, targetNode *Node, graph *Graph) FidelityMode {
	if edge != nil {
		if f := edge.attr("fidelity"); IsValidFidelity(f) {
			return FidelityMode(f)
		}
	}
	if targetNode != nil {
		if f := targetNode.attr("fidelity"); IsValidFidelity(f) {
			return FidelityMode(f)
		}
	}
	if graph != nil {
		if f := graph.Attrs["default_fidelity"]; IsValidFidelity(f) {
			return FidelityMode(f)
		}
	}
	return FidelityCompact
}
