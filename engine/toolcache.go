package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/tavenner/parley"
)

// formattedDeclCacheSize bounds the process-wide cache of rendered tool
// catalogs. Eviction order beyond capacity is whatever the LRU gives us;
// nothing depends on it.
const formattedDeclCacheSize = 100

// formattedDecls caches rendered catalogs keyed by a deterministic
// fingerprint of the declaration set. Shared read-only across all exchanges
// in the process; rendering the same tool set repeatedly per repair prompt
// would otherwise be pure waste.
var formattedDecls, _ = lru.New[string, string](formattedDeclCacheSize)

// catalogEntry is the YAML shape of one tool in the rendered catalog.
type catalogEntry struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
	Required    []string       `yaml:"required,omitempty"`
}

// formattedCatalog returns the compact catalog of the declared tools,
// rendered once per distinct declaration set.
func formattedCatalog(decls []parley.ToolDeclaration) string {
	key := fingerprint(decls)
	if cached, ok := formattedDecls.Get(key); ok {
		return cached
	}
	rendered := renderCatalog(decls)
	formattedDecls.Add(key, rendered)
	return rendered
}

// fingerprint computes a stable key for a declaration set. JSON marshaling
// of each declaration in order is deterministic enough: map keys marshal
// sorted, and declaration order is part of the identity.
func fingerprint(decls []parley.ToolDeclaration) string {
	h := sha256.New()
	for _, d := range decls {
		h.Write([]byte(d.Name))
		h.Write([]byte{0})
		h.Write([]byte(d.Description))
		h.Write([]byte{0})
		if d.Parameters != nil {
			encoded, err := json.Marshal(d.Parameters)
			if err == nil {
				h.Write(encoded)
			}
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func renderCatalog(decls []parley.ToolDeclaration) string {
	entries := make([]catalogEntry, 0, len(decls))
	for _, d := range decls {
		entries = append(entries, catalogEntry{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
			Required:    d.RequiredFields(),
		})
	}
	rendered, err := yaml.Marshal(entries)
	if err != nil {
		// Unmarshalable schema maps are a programming error; degrade to the
		// name list rather than failing the repair prompt.
		names := make([]string, len(decls))
		for i, d := range decls {
			names[i] = d.Name
		}
		return "Available tools: " + strings.Join(names, ", ") + "\n"
	}
	return "Available tools:\n" + string(rendered)
}
