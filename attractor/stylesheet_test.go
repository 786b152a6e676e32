// ABOUTME: Tests for the stylesheet parser and cascade.
// ABOUTME: Covers selectors, specificity ordering, class matching, and explicit-attribute precedence.
package attractor

import (
	"testing"
)

func TestParseStylesheetBasic(t *testing.T) {
	ss, err := ParseStylesheet(`* { llm_model: gpt-5-mini; }`)
	if err != nil {
		t.Fatalf("ParseStylesheet failed: %v", err)
	}
	if len(ss.Rules) != 1 {
		t.Fatalf("rule count = %d, want 1", len(ss.Rules))
	}
	rule := ss.Rules[0]
	if rule.Selector != "*" || rule.Specificity != 0 {
		t.Errorf("rule = %+v, want universal selector with specificity 0", rule)
	}
	if rule.Properties["llm_model"] != "gpt-5-mini" {
		t.Errorf("llm_model = %q", rule.Properties["llm_model"])
	}
}

func TestParseStylesheetMultipleRules(t *testing.T) {
	ss, err := ParseStylesheet(`
		* { llm_model: gpt-5-mini; }
		.heavy { llm_model: gpt-5.2; reasoning_effort: high; }
		#final_review { llm_provider: anthropic; }
	`)
	if err != nil {
		t.Fatalf("ParseStylesheet failed: %v", err)
	}
	if len(ss.Rules) != 3 {
		t.Fatalf("rule count = %d, want 3", len(ss.Rules))
	}
	wantSpec := []int{0, 1, 2}
	for i, rule := range ss.Rules {
		if rule.Specificity != wantSpec[i] {
			t.Errorf("rule[%d] specificity = %d, want %d", i, rule.Specificity, wantSpec[i])
		}
	}
}

func TestParseStylesheetErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no brace", `* llm_model: x;`},
		{"unclosed rule", `* { llm_model: x;`},
		{"bad selector", `p.box { x: y; }`},
		{"missing colon", `* { llm_model gpt; }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseStylesheet(tt.input); err == nil {
				t.Errorf("ParseStylesheet(%q) succeeded, want error", tt.input)
			}
		})
	}
}

func TestStylesheetSpecificityCascade(t *testing.T) {
	ss, err := ParseStylesheet(`
		* { llm_model: cheap; }
		.heavy { llm_model: medium; }
		#special { llm_model: expensive; }
	`)
	if err != nil {
		t.Fatalf("ParseStylesheet failed: %v", err)
	}

	tests := []struct {
		name string
		node *Node
		want string
	}{
		{"plain node", &Node{ID: "a", Attrs: map[string]string{}}, "cheap"},
		{"class node", &Node{ID: "b", Attrs: map[string]string{"classes": "heavy"}}, "medium"},
		{"id node", &Node{ID: "special", Attrs: map[string]string{"classes": "heavy"}}, "expensive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved := ss.MatchNode(tt.node)
			if resolved["llm_model"] != tt.want {
				t.Errorf("llm_model = %q, want %q", resolved["llm_model"], tt.want)
			}
		})
	}
}

func TestStylesheetExplicitAttrsWin(t *testing.T) {
	g := mustParse(t, `digraph p { a [shape=box, llm_model=pinned, classes=heavy] }`)
	ss, err := ParseStylesheet(`.heavy { llm_model: overridden; llm_provider: openai; }`)
	if err != nil {
		t.Fatalf("ParseStylesheet failed: %v", err)
	}

	ss.Apply(g)

	node := g.Nodes["a"]
	if node.Attrs["llm_model"] != "pinned" {
		t.Errorf("explicit llm_model overridden: %q", node.Attrs["llm_model"])
	}
	if node.Attrs["llm_provider"] != "openai" {
		t.Errorf("stylesheet-only property not applied: %q", node.Attrs["llm_provider"])
	}
}

func TestStylesheetClassListMatching(t *testing.T) {
	ss, err := ParseStylesheet(`.fast { timeout: 30s; }`)
	if err != nil {
		t.Fatalf("ParseStylesheet failed: %v", err)
	}

	node := &Node{ID: "a", Attrs: map[string]string{"classes": "heavy, fast"}}
	if ss.MatchNode(node)["timeout"] != "30s" {
		t.Error("comma-separated class list should match .fast")
	}

	miss := &Node{ID: "b", Attrs: map[string]string{"classes": "faster"}}
	if len(ss.MatchNode(miss)) != 0 {
		t.Error("class substring should not match")
	}
}

func TestStylesheetUnknownPropertiesStoredVerbatim(t *testing.T) {
	g := mustParse(t, `digraph p { a [shape=box] }`)
	ss, err := ParseStylesheet(`* { future_attribute: some-value; }`)
	if err != nil {
		t.Fatalf("ParseStylesheet failed: %v", err)
	}
	ss.Apply(g)
	if g.Nodes["a"].Attrs["future_attribute"] != "some-value" {
		t.Error("unrecognized property should be stored verbatim")
	}
}
