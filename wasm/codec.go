package wasm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The module descriptor is exchanged as canonical CBOR so the same module
// always serializes to the same bytes, which the compiled-code cache keys
// on.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wasm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EncodeModule serializes a module descriptor to canonical CBOR bytes.
func EncodeModule(m *Module) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// DecodeModule deserializes a module descriptor and checks its structural
// invariants. Function bodies are trusted as validated; only section
// consistency is re-checked here.
func DecodeModule(data []byte) (*Module, error) {
	var m Module
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wasm: unmarshal module: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("wasm: invalid module: %w", err)
	}
	return &m, nil
}
