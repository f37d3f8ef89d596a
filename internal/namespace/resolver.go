// Package namespace implements collision-free naming of tools, resources and
// prompts across upstreams.
//
// Tools and prompts are prefixed with "<namespace><separator>"; tool names
// that would exceed the configured threshold (or always, depending on mode)
// are replaced by a short SHA-256 digest with a reverse-lookup table for
// routing. Resources and resource templates carry the namespace as a
// "namespace" URI query parameter instead.
package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/mcpbundler/mcpbundler-go/internal/config"
)

const (
	// hashPrefix salts digests so they cannot collide with digests
	// computed by other systems over the same names.
	hashPrefix = "mcpbundler:"

	// HashLength is the number of hex characters kept from the digest.
	HashLength = config.DefaultHashLength

	hashAlgorithm = "sha256"

	// QueryParam is the URI query parameter carrying the namespace.
	QueryParam = "namespace"
)

// ErrNoNamespace indicates a client-supplied name carries no namespace.
var ErrNoNamespace = fmt.Errorf("name carries no namespace")

type reverseEntry struct {
	namespace string
	original  string
}

// Resolver namespaces capability names for one session. The reverse table
// for hashed names is per-session state and is dropped on Clear.
type Resolver struct {
	separator string
	mode      string
	threshold int

	mu      sync.RWMutex
	reverse map[string]reverseEntry // digest -> (namespace, original)
}

// NewResolver creates a resolver with the given separator and hash mode.
func NewResolver(separator, mode string, threshold int) *Resolver {
	if separator == "" {
		separator = config.DefaultSeparator
	}
	if threshold <= 0 {
		threshold = config.DefaultHashThreshold
	}
	return &Resolver{
		separator: separator,
		mode:      mode,
		threshold: threshold,
		reverse:   make(map[string]reverseEntry),
	}
}

// Separator returns the configured separator.
func (r *Resolver) Separator() string {
	return r.separator
}

// NamespaceTool returns a copy of tool renamed into the session-wide
// namespace. Hashed names are annotated with _meta describing the original.
func (r *Resolver) NamespaceTool(ns string, tool mcp.Tool) mcp.Tool {
	full := ns + r.separator + tool.Name

	out := tool
	out.Annotations.Title = full

	if !r.shouldHash(full) {
		out.Name = full
		return out
	}

	digest := r.digest(ns, tool.Name)
	r.mu.Lock()
	r.reverse[digest] = reverseEntry{namespace: ns, original: tool.Name}
	r.mu.Unlock()

	out.Name = digest
	out.Meta = &mcp.Meta{
		AdditionalFields: map[string]any{
			"originalName":  tool.Name,
			"namespace":     ns,
			"hashAlgorithm": hashAlgorithm,
			"hashLength":    HashLength,
		},
	}
	return out
}

// NamespacePrompt returns a copy of prompt with the namespaced name.
// Prompt names are never hashed.
func (r *Resolver) NamespacePrompt(ns string, prompt mcp.Prompt) mcp.Prompt {
	out := prompt
	out.Name = ns + r.separator + prompt.Name
	return out
}

// NamespaceResource returns a copy of res with the namespace attached to its
// URI as a query parameter.
func (r *Resolver) NamespaceResource(ns string, res mcp.Resource) mcp.Resource {
	out := res
	out.URI = AttachToURI(res.URI, ns)
	return out
}

// NamespaceResourceTemplate returns a copy of tmpl with the namespace
// attached to its URI template. The template string is treated as opaque;
// if the modified string no longer parses as a URI template the original is
// kept unchanged.
func (r *Resolver) NamespaceResourceTemplate(ns string, tmpl mcp.ResourceTemplate) mcp.ResourceTemplate {
	out := tmpl
	if tmpl.URITemplate == nil {
		return out
	}
	// Plain string append: url.Parse would percent-encode template
	// expressions like {name}.
	raw := tmpl.URITemplate.Raw()
	modified := appendParam(raw, ns)
	parsed, err := uritemplate.New(modified)
	if err != nil {
		return out
	}
	out.URITemplate = &mcp.URITemplate{Template: parsed}
	return out
}

// ExtractName resolves a client-supplied tool or prompt name back to its
// (namespace, original name) pair. Hashed digests are looked up in the
// reverse table first; otherwise the name splits at the first separator.
func (r *Resolver) ExtractName(name string) (namespace, original string, err error) {
	r.mu.RLock()
	entry, ok := r.reverse[name]
	r.mu.RUnlock()
	if ok {
		return entry.namespace, entry.original, nil
	}

	idx := strings.Index(name, r.separator)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrNoNamespace, name)
	}
	return name[:idx], name[idx+len(r.separator):], nil
}

// ExtractURI reads and strips the namespace query parameter from a URI.
// The returned namespace is empty when the URI carries none; unparseable
// URIs are returned verbatim with no namespace.
func ExtractURI(uri string) (namespace, originalURI string) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", uri
	}
	query := parsed.Query()
	ns := query.Get(QueryParam)
	if ns == "" {
		return "", uri
	}
	query.Del(QueryParam)
	parsed.RawQuery = query.Encode()
	return ns, parsed.String()
}

// AttachToURI appends namespace=<ns> to a URI, preserving the rest of the
// string verbatim when it does not parse as a URI.
func AttachToURI(uri, ns string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return appendParam(uri, ns)
	}
	query := parsed.Query()
	query.Set(QueryParam, ns)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func appendParam(uri, ns string) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + QueryParam + "=" + url.QueryEscape(ns)
}

// Clear drops the reverse-lookup table. Called on session close.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.reverse = make(map[string]reverseEntry)
	r.mu.Unlock()
}

// ReverseTableSize reports the number of recorded digests.
func (r *Resolver) ReverseTableSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reverse)
}

func (r *Resolver) shouldHash(fullName string) bool {
	switch r.mode {
	case config.HashModeAlways:
		return true
	case config.HashModeThreshold:
		return len(fullName) > r.threshold
	default: // HashModeNever
		return false
	}
}

func (r *Resolver) digest(ns, name string) string {
	sum := sha256.Sum256([]byte(hashPrefix + ns + r.separator + name))
	return hex.EncodeToString(sum[:])[:HashLength]
}
