package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/instructor-ai/instructor-sub002/pkg/core"
	"github.com/instructor-ai/instructor-sub002/pkg/schema"
)

// KeyGenerator derives deterministic cache keys from extraction requests.
type KeyGenerator struct {
	prefix string
}

// NewKeyGenerator creates a key generator. An empty prefix defaults to
// "extract_".
func NewKeyGenerator(prefix string) *KeyGenerator {
	if prefix == "" {
		prefix = "extract_"
	}
	return &KeyGenerator{prefix: prefix}
}

// GenerateKey hashes the request parameters, conversation and target schema
// into a stable key. Two calls differing in any of those produce different
// keys.
func (g *KeyGenerator) GenerateKey(req *core.Request, def *schema.Definition) string {
	var b strings.Builder

	fmt.Fprintf(&b, "model:%s|max:%d|temp:%.2f", req.Model, req.MaxTokens, req.Temperature)
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "|%s:%s", m.Role, m.Content)
	}
	if def != nil {
		// Definition marshals deterministically: required is sorted and
		// encoding/json emits map keys in sorted order.
		if raw, err := json.Marshal(def); err == nil {
			b.WriteString("|schema:")
			b.Write(raw)
		}
	}

	h := sha256.Sum256([]byte(b.String()))
	hash := hex.EncodeToString(h[:])

	name := "any"
	if def != nil && def.Name != "" {
		name = def.Name
	}
	return fmt.Sprintf("%s%s_%s", g.prefix, name, hash[:16])
}
