package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestChecker_IsAllowed(t *testing.T) {
	checker := NewChecker(zaptest.NewLogger(t))

	tests := []struct {
		name string
		set  Set
		kind Kind
		item string
		want bool
	}{
		{name: "nil list allows all", set: Set{}, kind: KindTool, item: "anything", want: true},
		{name: "empty list denies all", set: Set{Tools: []string{}}, kind: KindTool, item: "anything", want: false},
		{name: "literal match", set: Set{Tools: []string{"search", "read"}}, kind: KindTool, item: "read", want: true},
		{name: "literal miss", set: Set{Tools: []string{"search", "read"}}, kind: KindTool, item: "delete", want: false},
		{name: "wildcard", set: Set{Tools: []string{"*"}}, kind: KindTool, item: "anything", want: true},
		{name: "regex match", set: Set{Tools: []string{"^get_.*"}}, kind: KindTool, item: "get_issue", want: true},
		{name: "regex miss", set: Set{Tools: []string{"^get_.*"}}, kind: KindTool, item: "set_issue", want: false},
		{name: "invalid regex is non-match", set: Set{Tools: []string{"[unclosed"}}, kind: KindTool, item: "x", want: false},
		{name: "invalid regex does not block literal", set: Set{Tools: []string{"[unclosed", "x"}}, kind: KindTool, item: "x", want: true},
		{name: "lists are per kind", set: Set{Tools: []string{"search"}}, kind: KindPrompt, item: "anything", want: true},
		{name: "resource list", set: Set{Resources: []string{"file://.*"}}, kind: KindResource, item: "file:///etc/hosts", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checker.IsAllowed(tt.set, tt.kind, tt.item))
		})
	}
}

func TestChecker_CachesCompiledPatterns(t *testing.T) {
	checker := NewChecker(zaptest.NewLogger(t))
	set := Set{Tools: []string{"^get_.*"}}

	// Same result across repeated evaluations of a cached pattern.
	for i := 0; i < 3; i++ {
		assert.True(t, checker.IsAllowed(set, KindTool, "get_issue"))
	}
	checker.mu.RLock()
	defer checker.mu.RUnlock()
	assert.Len(t, checker.compiled, 1)
}

func TestAllowAll(t *testing.T) {
	checker := NewChecker(zaptest.NewLogger(t))
	set := AllowAll()
	assert.True(t, checker.IsAllowed(set, KindTool, "x"))
	assert.True(t, checker.IsAllowed(set, KindResource, "x"))
	assert.True(t, checker.IsAllowed(set, KindPrompt, "x"))
}
