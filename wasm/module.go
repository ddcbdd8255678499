package wasm

import (
	"fmt"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/internal/leb128"
)

// Index is the offset in an index namespace, not necessarily an absolute
// position in a Module section, because index namespaces are often preceded
// by a corresponding kind in Module.ImportSection.
type Index = uint32

// Module is the immutable description of a guest program, produced by an
// external decoder/validator and shared by every instance created from it.
//
// Function bodies are assumed validated: the execution tiers do not
// re-check type soundness, only the runtime conditions that can trap.
type Module struct {
	// TypeSection contains the unique signatures of functions imported or
	// defined in this module. AddSignature keeps it deduplicated so that a
	// type index identifies a signature structurally.
	TypeSection []*FunctionType

	// ImportSection declares functions, tables, memories or globals that
	// must be provided at instantiation time.
	ImportSection []*Import

	// FunctionSection holds, for each function defined in this module, the
	// index of its signature in TypeSection. The function index namespace
	// begins with imported functions.
	FunctionSection []Index

	// CodeSection is index-correlated with FunctionSection and contains
	// each defined function's locals and body bytes.
	CodeSection []*Code

	// TableSection is the table defined in this module, if any. At most one
	// table may be defined or imported.
	TableSection *Table

	// MemorySection is the linear memory defined in this module, if any. At
	// most one memory may be defined or imported.
	MemorySection *Memory

	// GlobalSection contains each global defined in this module. The global
	// index namespace begins with imported globals.
	GlobalSection []*Global

	// TagSection declares exception tags by signature. Tags participate in
	// the index space and in instantiation, but no throw/catch operations
	// are part of the instruction set.
	TagSection []*Tag

	// ExportSection maps export names to exported definitions.
	ExportSection map[string]*Export

	// StartSection is the index of a function invoked before instantiation
	// completes.
	StartSection *Index

	// ElementSection holds active (offset-initialized) and passive table
	// segments.
	ElementSection []*ElementSegment

	// DataSection holds active and passive memory segments.
	DataSection []*DataSegment

	// FunctionNames optionally names functions for backtraces.
	FunctionNames map[Index]string
}

// FunctionType is a possibly empty function signature.
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a
	// function with this signature.
	Params []api.ValueType

	// Results are the possibly empty sequence of value types returned by a
	// function with this signature.
	Results []api.ValueType
}

// EqualsSignature returns true if the signature is structurally equal to
// the given parameter and result sequences. Identity of *FunctionType is
// never used for type checks.
func (t *FunctionType) EqualsSignature(params, results []api.ValueType) bool {
	return valueTypesEqual(t.Params, params) && valueTypesEqual(t.Results, results)
}

func valueTypesEqual(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String returns a unique key of this signature, used for store-scoped type
// ID canonicalization.
func (t *FunctionType) String() string {
	ret := ""
	for _, b := range t.Params {
		ret += api.ValueTypeName(b)
	}
	if len(t.Params) == 0 {
		ret += "v"
	}
	ret += "_"
	for _, b := range t.Results {
		ret += api.ValueTypeName(b)
	}
	if len(t.Results) == 0 {
		ret += "v"
	}
	return ret
}

// Code is a defined function's locals and body.
type Code struct {
	// LocalTypes are the types of locals declared beyond the parameters,
	// zero-initialized at each activation.
	LocalTypes []api.ValueType

	// Body is the instruction sequence, terminated by OpcodeEnd.
	Body []byte
}

// Import declares one external dependency of a module.
type Import struct {
	// Module and Name form the two-level import name.
	Module string
	Name   string
	// Type determines which Desc field is used.
	Type api.ExternType

	DescFunc   Index // type index when Type == ExternTypeFunc
	DescTable  *Table
	DescMem    *Memory
	DescGlobal *GlobalType
}

// Export makes a definition of this module visible by name.
type Export struct {
	Name string
	Type api.ExternType
	// Index is in the namespace of Type, which begins with imports.
	Index Index
}

// Global declares a global defined in this module.
type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// GlobalType is the type and mutability of a global.
type GlobalType struct {
	ValType api.ValueType
	Mutable bool
}

// ConstantExpression is the initializer of a global or the offset of an
// active segment: a single const instruction or global.get of an import.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// RefFuncType is the only element type tables currently hold.
const RefFuncType byte = 0x70

// Table declares a table's element type and size limits.
type Table struct {
	Min      uint32
	Max      *uint32
	ElemType byte
}

const (
	// MemoryPageSize is the unit of linear memory length, 64Ki.
	MemoryPageSize = uint32(65536)
	// MemoryPageSizeInBits satisfies 1 << MemoryPageSizeInBits == MemoryPageSize.
	MemoryPageSizeInBits = 16
	// MemoryLimitPages is the maximum page count of a 32-bit memory (2^16).
	MemoryLimitPages = uint32(65536)
	// Memory64LimitPages is the maximum page count of a 64-bit memory,
	// capping the address space below 2^48 bytes.
	Memory64LimitPages = ^uint32(0)
)

// Memory declares a linear memory's limits and addressing.
type Memory struct {
	// Min and Max are in pages; Max is only meaningful when IsMaxEncoded.
	Min          uint32
	Max          uint32
	IsMaxEncoded bool
	// Shared memories may be accessed from multiple call stacks; growth and
	// host-side atomic access serialize through the instance mutex.
	Shared bool
	// IsMemory64 widens the index type of accesses to 64 bits.
	IsMemory64 bool
}

// Tag declares an exception tag by signature.
type Tag struct {
	// TypeIndex is the tag's signature in TypeSection; its Results must be
	// empty.
	TypeIndex Index
}

// ElementSegment is a table initializer. Active segments (OffsetExpr set)
// are applied at instantiation; passive segments are copied or dropped by
// explicit instructions.
type ElementSegment struct {
	// OffsetExpr is nil for passive segments.
	OffsetExpr *ConstantExpression
	// Init is the function indexes placed in the table.
	Init []Index
}

// IsPassive returns true when the segment is only usable via table.init.
func (e *ElementSegment) IsPassive() bool { return e.OffsetExpr == nil }

// DataSegment is a memory initializer, active or passive like
// ElementSegment.
type DataSegment struct {
	OffsetExpr *ConstantExpression
	Init       []byte
}

// IsPassive returns true when the segment is only usable via memory.init.
func (d *DataSegment) IsPassive() bool { return d.OffsetExpr == nil }

// AddSignature interns the given signature, returning the index of an
// existing structurally equal entry when present. Signature identity by
// structure is required so an indirect call in one module can validate
// against a function imported from another.
func (m *Module) AddSignature(params, results []api.ValueType) Index {
	for i, t := range m.TypeSection {
		if t.EqualsSignature(params, results) {
			return Index(i)
		}
	}
	m.TypeSection = append(m.TypeSection, &FunctionType{Params: params, Results: results})
	return Index(len(m.TypeSection) - 1)
}

// AddFunction appends a defined function with the given signature index,
// locals and body. The resulting function index follows any imports.
func (m *Module) AddFunction(typeIndex Index, localTypes []api.ValueType, body []byte) (Index, error) {
	if int(typeIndex) >= len(m.TypeSection) {
		return 0, fmt.Errorf("type index %d out of range (%d types)", typeIndex, len(m.TypeSection))
	}
	m.FunctionSection = append(m.FunctionSection, typeIndex)
	m.CodeSection = append(m.CodeSection, &Code{LocalTypes: localTypes, Body: body})
	return m.ImportFuncCount() + Index(len(m.FunctionSection)-1), nil
}

// ImportFuncCount returns how many functions this module imports, which is
// where the defined function index space begins.
func (m *Module) ImportFuncCount() Index {
	var n Index
	for _, im := range m.ImportSection {
		if im.Type == api.ExternTypeFunc {
			n++
		}
	}
	return n
}

// ImportGlobalCount returns how many globals this module imports.
func (m *Module) ImportGlobalCount() Index {
	var n Index
	for _, im := range m.ImportSection {
		if im.Type == api.ExternTypeGlobal {
			n++
		}
	}
	return n
}

// FuncCount returns the size of the function index namespace.
func (m *Module) FuncCount() Index {
	return m.ImportFuncCount() + Index(len(m.FunctionSection))
}

// TypeOfFunction returns the signature of the given function index, or nil
// when the index is unknown. The index namespace begins with imports.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	var imports Index
	for _, im := range m.ImportSection {
		if im.Type != api.ExternTypeFunc {
			continue
		}
		if funcIdx == imports {
			if int(im.DescFunc) >= len(m.TypeSection) {
				return nil
			}
			return m.TypeSection[im.DescFunc]
		}
		imports++
	}
	defined := funcIdx - imports
	if int(defined) >= len(m.FunctionSection) {
		return nil
	}
	typeIdx := m.FunctionSection[defined]
	if int(typeIdx) >= len(m.TypeSection) {
		return nil
	}
	return m.TypeSection[typeIdx]
}

// FunctionName returns the declared name of the function or a positional
// placeholder, used to build guest backtraces.
func (m *Module) FunctionName(funcIdx Index) string {
	if name, ok := m.FunctionNames[funcIdx]; ok {
		return name
	}
	return fmt.Sprintf("func[%d]", funcIdx)
}

// Validate checks the structural invariants instantiation relies on:
// contiguous index spaces, in-range type indexes and well-formed limits.
// Function bodies are not re-validated here.
func (m *Module) Validate() error {
	if len(m.FunctionSection) != len(m.CodeSection) {
		return fmt.Errorf("function and code section length mismatch: %d != %d",
			len(m.FunctionSection), len(m.CodeSection))
	}
	for i, typeIdx := range m.FunctionSection {
		if int(typeIdx) >= len(m.TypeSection) {
			return fmt.Errorf("function[%d]: type index %d out of range", i, typeIdx)
		}
	}
	importedMemories, importedTables := 0, 0
	for i, im := range m.ImportSection {
		switch im.Type {
		case api.ExternTypeFunc:
			if int(im.DescFunc) >= len(m.TypeSection) {
				return fmt.Errorf("import[%d] func[%s.%s]: type index out of range", i, im.Module, im.Name)
			}
		case api.ExternTypeMemory:
			if err := validateMemory(im.DescMem); err != nil {
				return fmt.Errorf("import[%d] memory[%s.%s]: %w", i, im.Module, im.Name, err)
			}
			importedMemories++
		case api.ExternTypeTable:
			if err := validateTable(im.DescTable); err != nil {
				return fmt.Errorf("import[%d] table[%s.%s]: %w", i, im.Module, im.Name, err)
			}
			importedTables++
		case api.ExternTypeGlobal:
			if im.DescGlobal == nil {
				return fmt.Errorf("import[%d] global[%s.%s]: missing type", i, im.Module, im.Name)
			}
		default:
			return fmt.Errorf("import[%d] %s.%s: invalid extern type %#x", i, im.Module, im.Name, im.Type)
		}
	}
	if m.MemorySection != nil {
		if importedMemories > 0 {
			return fmt.Errorf("at most one memory may be defined or imported")
		}
		if err := validateMemory(m.MemorySection); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
	}
	if m.TableSection != nil {
		if importedTables > 0 {
			return fmt.Errorf("at most one table may be defined or imported")
		}
		if err := validateTable(m.TableSection); err != nil {
			return fmt.Errorf("table: %w", err)
		}
	}
	for i, g := range m.GlobalSection {
		if g.Type == nil || g.Init == nil {
			return fmt.Errorf("global[%d]: missing type or initializer", i)
		}
		if err := validateConstExpression(m, g.Init); err != nil {
			return fmt.Errorf("global[%d]: %w", i, err)
		}
	}
	for i, tag := range m.TagSection {
		if int(tag.TypeIndex) >= len(m.TypeSection) {
			return fmt.Errorf("tag[%d]: type index %d out of range", i, tag.TypeIndex)
		}
		if len(m.TypeSection[tag.TypeIndex].Results) != 0 {
			return fmt.Errorf("tag[%d]: signature must not have results", i)
		}
	}
	funcCount := m.FuncCount()
	for i, elem := range m.ElementSection {
		if elem.OffsetExpr != nil {
			if err := validateConstExpression(m, elem.OffsetExpr); err != nil {
				return fmt.Errorf("element[%d]: %w", i, err)
			}
		}
		for _, fn := range elem.Init {
			if fn >= funcCount {
				return fmt.Errorf("element[%d]: unknown function %d", i, fn)
			}
		}
	}
	for i, d := range m.DataSection {
		if d.OffsetExpr != nil {
			if err := validateConstExpression(m, d.OffsetExpr); err != nil {
				return fmt.Errorf("data[%d]: %w", i, err)
			}
		}
	}
	for name, exp := range m.ExportSection {
		if exp.Name != name {
			return fmt.Errorf("export %q: name mismatch", name)
		}
		if exp.Type == api.ExternTypeFunc && exp.Index >= funcCount {
			return fmt.Errorf("export %q: unknown function %d", name, exp.Index)
		}
	}
	if m.StartSection != nil && *m.StartSection >= funcCount {
		return fmt.Errorf("start: unknown function %d", *m.StartSection)
	}
	return nil
}

func validateMemory(mem *Memory) error {
	if mem == nil {
		return fmt.Errorf("missing memory type")
	}
	limit := MemoryLimitPages
	if mem.IsMemory64 {
		limit = Memory64LimitPages
	}
	if mem.Min > limit {
		return fmt.Errorf("minimum %d pages exceeds limit %d", mem.Min, limit)
	}
	if mem.IsMaxEncoded {
		if mem.Max > limit {
			return fmt.Errorf("maximum %d pages exceeds limit %d", mem.Max, limit)
		}
		if mem.Min > mem.Max {
			return fmt.Errorf("minimum %d pages exceeds maximum %d", mem.Min, mem.Max)
		}
	} else if mem.Shared {
		return fmt.Errorf("shared memory requires a maximum")
	}
	return nil
}

func validateTable(t *Table) error {
	if t == nil {
		return fmt.Errorf("missing table type")
	}
	if t.ElemType != RefFuncType {
		return fmt.Errorf("invalid element type %#x", t.ElemType)
	}
	if t.Max != nil && t.Min > *t.Max {
		return fmt.Errorf("minimum %d exceeds maximum %d", t.Min, *t.Max)
	}
	return nil
}

func validateConstExpression(m *Module, expr *ConstantExpression) error {
	switch expr.Opcode {
	case OpcodeI32Const:
		if _, _, err := leb128.DecodeInt32(expr.Data); err != nil {
			return fmt.Errorf("invalid i32.const: %w", err)
		}
	case OpcodeI64Const:
		if _, _, err := leb128.DecodeInt64(expr.Data); err != nil {
			return fmt.Errorf("invalid i64.const: %w", err)
		}
	case OpcodeF32Const:
		if len(expr.Data) != 4 {
			return fmt.Errorf("invalid f32.const")
		}
	case OpcodeF64Const:
		if len(expr.Data) != 8 {
			return fmt.Errorf("invalid f64.const")
		}
	case OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(expr.Data)
		if err != nil {
			return fmt.Errorf("invalid global.get: %w", err)
		}
		if idx >= m.ImportGlobalCount() {
			return fmt.Errorf("const expression may only reference imported globals: %d", idx)
		}
	default:
		return fmt.Errorf("invalid opcode for const expression: %#x", expr.Opcode)
	}
	return nil
}
