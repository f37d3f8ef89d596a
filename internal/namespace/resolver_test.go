package namespace

import (
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mcpbundler/mcpbundler-go/internal/config"
)

func TestNamespaceTool_NeverMode(t *testing.T) {
	r := NewResolver("__", config.HashModeNever, 64)

	tool := mcp.Tool{Name: "search", Description: "full text search"}
	out := r.NamespaceTool("github", tool)

	assert.Equal(t, "github__search", out.Name)
	assert.Equal(t, "github__search", out.Annotations.Title)
	assert.Equal(t, "full text search", out.Description)
	assert.Nil(t, out.Meta)
	assert.Equal(t, 0, r.ReverseTableSize())
}

func TestNamespaceTool_AlwaysMode(t *testing.T) {
	r := NewResolver("__", config.HashModeAlways, 64)

	out := r.NamespaceTool("github", mcp.Tool{Name: "search"})

	assert.Len(t, out.Name, HashLength)
	assert.Equal(t, "github__search", out.Annotations.Title)
	require.NotNil(t, out.Meta)
	assert.Equal(t, "search", out.Meta.AdditionalFields["originalName"])
	assert.Equal(t, "github", out.Meta.AdditionalFields["namespace"])
	assert.Equal(t, "sha256", out.Meta.AdditionalFields["hashAlgorithm"])
	assert.Equal(t, HashLength, out.Meta.AdditionalFields["hashLength"])

	ns, name, err := r.ExtractName(out.Name)
	require.NoError(t, err)
	assert.Equal(t, "github", ns)
	assert.Equal(t, "search", name)
}

func TestNamespaceTool_ThresholdMode(t *testing.T) {
	r := NewResolver("__", config.HashModeThreshold, 20)

	short := r.NamespaceTool("gh", mcp.Tool{Name: "search"})
	assert.Equal(t, "gh__search", short.Name)

	long := r.NamespaceTool("github-enterprise", mcp.Tool{Name: "list_pull_requests"})
	assert.Len(t, long.Name, HashLength)
	assert.Equal(t, "github-enterprise__list_pull_requests", long.Annotations.Title)
}

func TestNamespaceTool_HashIsDeterministic(t *testing.T) {
	r1 := NewResolver("__", config.HashModeAlways, 64)
	r2 := NewResolver("__", config.HashModeAlways, 64)

	a := r1.NamespaceTool("fs", mcp.Tool{Name: "read_file"})
	b := r2.NamespaceTool("fs", mcp.Tool{Name: "read_file"})
	assert.Equal(t, a.Name, b.Name)
}

func TestExtractName_SplitsAtFirstSeparator(t *testing.T) {
	r := NewResolver("__", config.HashModeNever, 64)

	ns, name, err := r.ExtractName("github__create__issue")
	require.NoError(t, err)
	assert.Equal(t, "github", ns)
	assert.Equal(t, "create__issue", name)
}

func TestExtractName_NoSeparator(t *testing.T) {
	r := NewResolver("__", config.HashModeNever, 64)

	_, _, err := r.ExtractName("plainname")
	assert.ErrorIs(t, err, ErrNoNamespace)
}

func TestClear_DropsReverseTable(t *testing.T) {
	r := NewResolver("__", config.HashModeAlways, 64)
	out := r.NamespaceTool("gh", mcp.Tool{Name: "search"})
	require.Equal(t, 1, r.ReverseTableSize())

	r.Clear()

	assert.Equal(t, 0, r.ReverseTableSize())
	_, _, err := r.ExtractName(out.Name)
	assert.Error(t, err)
}

func TestNamespacePrompt_NeverHashed(t *testing.T) {
	r := NewResolver("__", config.HashModeAlways, 64)

	out := r.NamespacePrompt("gh", mcp.Prompt{Name: "summarize_issue"})
	assert.Equal(t, "gh__summarize_issue", out.Name)
}

func TestNamespaceResource_QueryParam(t *testing.T) {
	r := NewResolver("__", config.HashModeNever, 64)

	out := r.NamespaceResource("fs", mcp.Resource{URI: "file:///tmp/a.txt"})
	assert.Equal(t, "file:///tmp/a.txt?namespace=fs", out.URI)

	ns, orig := ExtractURI(out.URI)
	assert.Equal(t, "fs", ns)
	assert.Equal(t, "file:///tmp/a.txt", orig)
}

func TestNamespaceResource_PreservesExistingQuery(t *testing.T) {
	r := NewResolver("__", config.HashModeNever, 64)

	out := r.NamespaceResource("db", mcp.Resource{URI: "https://api.example.com/rows?limit=10"})

	ns, orig := ExtractURI(out.URI)
	assert.Equal(t, "db", ns)
	assert.Equal(t, "https://api.example.com/rows?limit=10", orig)
}

func TestAttachToURI_NonURIFallback(t *testing.T) {
	got := AttachToURI("not a uri at all", "ns1")
	assert.Equal(t, "not a uri at all?namespace=ns1", got)

	got = AttachToURI("already?x=1", "ns1")
	assert.True(t, strings.HasSuffix(got, "&namespace=ns1"))
}

func TestExtractURI_NoNamespace(t *testing.T) {
	ns, orig := ExtractURI("file:///tmp/a.txt")
	assert.Empty(t, ns)
	assert.Equal(t, "file:///tmp/a.txt", orig)
}

func TestNamespaceResourceTemplate(t *testing.T) {
	r := NewResolver("__", config.HashModeNever, 64)

	tmpl := mcp.NewResourceTemplate("file:///logs/{name}", "log files")
	out := r.NamespaceResourceTemplate("logs", tmpl)

	require.NotNil(t, out.URITemplate)
	assert.Contains(t, out.URITemplate.Raw(), "namespace=logs")
}

func TestToolRoundTrip_Property(t *testing.T) {
	nameGen := rapid.StringMatching(`[a-z][a-z0-9_]{0,40}`)
	nsGen := rapid.StringMatching(`[a-z][a-z0-9.-]{0,20}`)
	modeGen := rapid.SampledFrom([]string{
		config.HashModeNever, config.HashModeAlways, config.HashModeThreshold,
	})

	rapid.Check(t, func(t *rapid.T) {
		r := NewResolver("__", modeGen.Draw(t, "mode"), 30)
		ns := nsGen.Draw(t, "ns")
		name := nameGen.Draw(t, "name")

		out := r.NamespaceTool(ns, mcp.Tool{Name: name})
		gotNS, gotName, err := r.ExtractName(out.Name)
		if err != nil {
			t.Fatalf("extract failed for %q: %v", out.Name, err)
		}
		if gotNS != ns || gotName != name {
			t.Fatalf("round trip mismatch: got (%q, %q), want (%q, %q)", gotNS, gotName, ns, name)
		}
	})
}

func TestResourceURIRoundTrip_Property(t *testing.T) {
	pathGen := rapid.StringMatching(`[a-z0-9/_.-]{1,40}`)
	nsGen := rapid.StringMatching(`[a-z][a-z0-9.-]{0,20}`)

	rapid.Check(t, func(t *rapid.T) {
		r := NewResolver("__", config.HashModeNever, 64)
		uri := "file:///" + pathGen.Draw(t, "path")
		ns := nsGen.Draw(t, "ns")

		out := r.NamespaceResource(ns, mcp.Resource{URI: uri})
		gotNS, gotURI := ExtractURI(out.URI)
		if gotNS != ns {
			t.Fatalf("namespace mismatch: got %q want %q", gotNS, ns)
		}
		if gotURI != uri {
			t.Fatalf("uri mismatch: got %q want %q", gotURI, uri)
		}
	})
}
