package wasm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ferrovm/ferro/api"
	"github.com/ferrovm/ferro/internal/leb128"
)

// FunctionTypeID is a store-scoped canonical identifier of a function
// signature. Two signatures receive the same ID exactly when they are
// structurally equal, so indirect-call type checks compare IDs instead of
// walking parameter lists, and the check holds across module boundaries.
type FunctionTypeID uint32

// Store holds every instantiated module of one runtime, the engine that
// executes them, and the canonical signature registry they share.
//
// Instantiation is atomic with respect to the store: a failed Instantiate
// registers nothing and leaves no partial instance behind.
type Store struct {
	engine Engine

	// mux guards nameToModule and typeIDs. Execution does not take it.
	mux          sync.RWMutex
	nameToModule map[string]*ModuleInstance
	typeIDs      map[string]FunctionTypeID
}

// NewStore returns an empty store executing with the given engine.
func NewStore(engine Engine) *Store {
	return &Store{
		engine:       engine,
		nameToModule: map[string]*ModuleInstance{},
		typeIDs:      map[string]FunctionTypeID{},
	}
}

// ModuleInstance is the runtime state of one instantiated module. Multiple
// instances of the same Module share its immutable sections but never any
// of the fields below.
type ModuleInstance struct {
	Name string

	// Source is the immutable description this instance was created from.
	Source *Module

	// Functions is the function index namespace: imported functions first,
	// in import order, then defined functions.
	Functions []*FunctionInstance

	// Globals is the global index namespace, imports first. Imported
	// globals alias the exporting instance's state.
	Globals []*GlobalInstance

	// Memory is the instance's linear memory, defined or imported, or nil.
	Memory *MemoryInstance

	// Table is the instance's table, defined or imported, or nil.
	Table *TableInstance

	// TypeIDs is index-correlated with Source.TypeSection, mapping each
	// module-local type index to its store-canonical ID.
	TypeIDs []FunctionTypeID

	// DataInstances and ElementInstances are index-correlated with the
	// Source segment sections. Active segments are represented as already
	// dropped, so a passive-segment instruction addressing one traps.
	DataInstances    []*DataInstance
	ElementInstances []*ElementInstance

	// Exports resolves export names to runtime definitions.
	Exports map[string]*ExportInstance

	// Engine owns this instance's code slots.
	Engine ModuleEngine
}

// FunctionInstance is one function in an instance's index space. Exactly
// one of Body and GoFunc is set.
type FunctionInstance struct {
	// Module is the instance the function was defined in, which is not the
	// importing instance for imported functions. Execution uses this
	// module's memory, table, globals and code slots.
	Module *ModuleInstance

	Type   *FunctionType
	TypeID FunctionTypeID

	// LocalTypes and Body describe a guest function.
	LocalTypes []api.ValueType
	Body       []byte

	// GoFunc is set for host functions instead of Body.
	GoFunc GoFunc

	// Index is the function's position in Module's index space.
	Index Index

	// Name is the declared or positional name, used in backtraces.
	Name string
}

// IsHostFunction returns true when calls dispatch to a Go callable rather
// than guest code.
func (f *FunctionInstance) IsHostFunction() bool { return f.GoFunc != nil }

// ExportInstance is a resolved export: the Type tag determines which field
// is set.
type ExportInstance struct {
	Type     api.ExternType
	Function *FunctionInstance
	Global   *GlobalInstance
	Memory   *MemoryInstance
	Table    *TableInstance
}

// getFunctionTypeID interns the signature, assigning the next ID on first
// sight.
func (s *Store) getFunctionTypeID(t *FunctionType) FunctionTypeID {
	key := t.String()
	s.mux.Lock()
	defer s.mux.Unlock()
	id, ok := s.typeIDs[key]
	if !ok {
		id = FunctionTypeID(len(s.typeIDs))
		s.typeIDs[key] = id
	}
	return id
}

// Module returns the instance registered under name, or nil.
func (s *Store) Module(name string) *ModuleInstance {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.nameToModule[name]
}

// Instantiate creates, initializes and registers an instance of module
// under the given name. On any failure nothing is registered and no
// observable state of other instances changes; active segments are only
// applied after every one of them has been bounds-checked.
//
// ctx is passed to the start function, when the module declares one.
func (s *Store) Instantiate(ctx context.Context, module *Module, name string) (*ModuleInstance, error) {
	if err := module.Validate(); err != nil {
		return nil, fmt.Errorf("invalid module: %w", err)
	}
	s.mux.RLock()
	_, dup := s.nameToModule[name]
	s.mux.RUnlock()
	if dup {
		return nil, fmt.Errorf("module %q already instantiated", name)
	}

	instance := &ModuleInstance{Name: name, Source: module}
	if err := s.resolveImports(module, instance); err != nil {
		return nil, err
	}

	instance.TypeIDs = make([]FunctionTypeID, len(module.TypeSection))
	for i, t := range module.TypeSection {
		instance.TypeIDs[i] = s.getFunctionTypeID(t)
	}

	importedFuncs := Index(len(instance.Functions))
	for i, typeIdx := range module.FunctionSection {
		code := module.CodeSection[i]
		funcIdx := importedFuncs + Index(i)
		instance.Functions = append(instance.Functions, &FunctionInstance{
			Module:     instance,
			Type:       module.TypeSection[typeIdx],
			TypeID:     instance.TypeIDs[typeIdx],
			LocalTypes: code.LocalTypes,
			Body:       code.Body,
			Index:      funcIdx,
			Name:       module.FunctionName(funcIdx),
		})
	}

	for i, g := range module.GlobalSection {
		val, vt, err := evalConstExpression(instance.Globals, g.Init)
		if err != nil {
			return nil, fmt.Errorf("global[%d]: %w", i, err)
		}
		if vt != g.Type.ValType {
			return nil, fmt.Errorf("global[%d]: initializer is %s, not %s",
				i, api.ValueTypeName(vt), api.ValueTypeName(g.Type.ValType))
		}
		instance.Globals = append(instance.Globals, &GlobalInstance{Type: g.Type, Val: val})
	}

	if module.MemorySection != nil {
		instance.Memory = NewMemoryInstance(module.MemorySection)
	}
	if module.TableSection != nil {
		instance.Table = NewTableInstance(module.TableSection)
	}

	instance.buildExports()

	// Resolve segment contents and bounds-check every active segment
	// before touching memory or table state, so a failed instantiation
	// cannot leave them partially initialized.
	elemOffsets, err := instance.prepareElementSegments()
	if err != nil {
		return nil, err
	}
	dataOffsets, err := instance.prepareDataSegments()
	if err != nil {
		return nil, err
	}

	me, err := s.engine.NewModuleEngine(name, module, instance)
	if err != nil {
		return nil, fmt.Errorf("compile module %q: %w", name, err)
	}
	instance.Engine = me

	instance.applyElementSegments(elemOffsets)
	instance.applyDataSegments(dataOffsets)

	if module.StartSection != nil {
		f := instance.Functions[*module.StartSection]
		if len(f.Type.Params) != 0 || len(f.Type.Results) != 0 {
			_ = me.Close()
			return nil, fmt.Errorf("start function %s must have no parameters or results", f.Name)
		}
		if _, err := me.NewFunction(f).Call(ctx); err != nil {
			_ = me.Close()
			return nil, fmt.Errorf("start function %s failed: %w", f.Name, err)
		}
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if _, dup := s.nameToModule[name]; dup {
		_ = me.Close()
		return nil, fmt.Errorf("module %q already instantiated", name)
	}
	s.nameToModule[name] = instance
	return instance, nil
}

// resolveImports fills the imported prefixes of the instance's index
// spaces from previously registered instances, checking each import's type
// structurally.
func (s *Store) resolveImports(module *Module, instance *ModuleInstance) error {
	for i, im := range module.ImportSection {
		exporter := s.Module(im.Module)
		if exporter == nil {
			return fmt.Errorf("import[%d] %s.%s: module not instantiated", i, im.Module, im.Name)
		}
		exp, ok := exporter.Exports[im.Name]
		if !ok {
			return fmt.Errorf("import[%d] %s.%s: not exported", i, im.Module, im.Name)
		}
		if exp.Type != im.Type {
			return fmt.Errorf("import[%d] %s.%s: is a %s, not a %s", i, im.Module, im.Name,
				api.ExternTypeName(exp.Type), api.ExternTypeName(im.Type))
		}
		switch im.Type {
		case api.ExternTypeFunc:
			expected := module.TypeSection[im.DescFunc]
			if !exp.Function.Type.EqualsSignature(expected.Params, expected.Results) {
				return fmt.Errorf("import[%d] %s.%s: signature mismatch: %s != %s",
					i, im.Module, im.Name, exp.Function.Type, expected)
			}
			instance.Functions = append(instance.Functions, exp.Function)
		case api.ExternTypeGlobal:
			gt := exp.Global.Type
			if gt.ValType != im.DescGlobal.ValType || gt.Mutable != im.DescGlobal.Mutable {
				return fmt.Errorf("import[%d] %s.%s: global type mismatch", i, im.Module, im.Name)
			}
			instance.Globals = append(instance.Globals, exp.Global)
		case api.ExternTypeMemory:
			if err := importedMemoryCompatible(exp.Memory, im.DescMem); err != nil {
				return fmt.Errorf("import[%d] %s.%s: %w", i, im.Module, im.Name, err)
			}
			instance.Memory = exp.Memory
		case api.ExternTypeTable:
			if err := importedTableCompatible(exp.Table, im.DescTable); err != nil {
				return fmt.Errorf("import[%d] %s.%s: %w", i, im.Module, im.Name, err)
			}
			instance.Table = exp.Table
		}
	}
	return nil
}

func importedMemoryCompatible(actual *MemoryInstance, decl *Memory) error {
	if actual.IsMemory64 != decl.IsMemory64 {
		return fmt.Errorf("memory address width mismatch")
	}
	if actual.Shared != decl.Shared {
		return fmt.Errorf("memory sharing mismatch")
	}
	if actual.Min < decl.Min {
		return fmt.Errorf("memory minimum %d pages smaller than required %d", actual.Min, decl.Min)
	}
	if decl.IsMaxEncoded && actual.Max > decl.Max {
		return fmt.Errorf("memory maximum %d pages larger than allowed %d", actual.Max, decl.Max)
	}
	return nil
}

func importedTableCompatible(actual *TableInstance, decl *Table) error {
	if actual.ElemType != decl.ElemType {
		return fmt.Errorf("table element type mismatch")
	}
	if actual.Min < decl.Min {
		return fmt.Errorf("table minimum %d smaller than required %d", actual.Min, decl.Min)
	}
	if decl.Max != nil && (actual.Max == nil || *actual.Max > *decl.Max) {
		return fmt.Errorf("table maximum larger than allowed %d", *decl.Max)
	}
	return nil
}

// buildExports resolves the module's export section against the now
// complete index spaces.
func (m *ModuleInstance) buildExports() {
	m.Exports = make(map[string]*ExportInstance, len(m.Source.ExportSection))
	for name, exp := range m.Source.ExportSection {
		e := &ExportInstance{Type: exp.Type}
		switch exp.Type {
		case api.ExternTypeFunc:
			e.Function = m.Functions[exp.Index]
		case api.ExternTypeGlobal:
			e.Global = m.Globals[exp.Index]
		case api.ExternTypeMemory:
			e.Memory = m.Memory
		case api.ExternTypeTable:
			e.Table = m.Table
		}
		m.Exports[name] = e
	}
}

// prepareElementSegments resolves passive segments to references, creates
// already-dropped placeholders for active ones, and bounds-checks every
// active segment, returning their offsets. Nothing is written yet.
func (m *ModuleInstance) prepareElementSegments() ([]uint32, error) {
	offsets := make([]uint32, len(m.Source.ElementSection))
	m.ElementInstances = make([]*ElementInstance, len(m.Source.ElementSection))
	for i, seg := range m.Source.ElementSection {
		if seg.IsPassive() {
			m.ElementInstances[i] = &ElementInstance{References: m.resolveReferences(seg.Init)}
			continue
		}
		m.ElementInstances[i] = &ElementInstance{dropped: true}
		val, vt, err := evalConstExpression(m.Globals, seg.OffsetExpr)
		if err != nil {
			return nil, fmt.Errorf("element[%d]: %w", i, err)
		}
		if vt != api.ValueTypeI32 {
			return nil, fmt.Errorf("element[%d]: offset is %s, not i32", i, api.ValueTypeName(vt))
		}
		offset := uint32(val)
		if m.Table == nil || uint64(offset)+uint64(len(seg.Init)) > uint64(m.Table.Size()) {
			return nil, fmt.Errorf("element[%d]: out of bounds table access", i)
		}
		offsets[i] = offset
	}
	return offsets, nil
}

// prepareDataSegments mirrors prepareElementSegments for memory segments.
func (m *ModuleInstance) prepareDataSegments() ([]uint64, error) {
	offsets := make([]uint64, len(m.Source.DataSection))
	m.DataInstances = make([]*DataInstance, len(m.Source.DataSection))
	for i, seg := range m.Source.DataSection {
		if seg.IsPassive() {
			m.DataInstances[i] = &DataInstance{Bytes: seg.Init}
			continue
		}
		m.DataInstances[i] = &DataInstance{dropped: true}
		val, vt, err := evalConstExpression(m.Globals, seg.OffsetExpr)
		if err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		var offset uint64
		switch {
		case m.Memory != nil && m.Memory.IsMemory64 && vt == api.ValueTypeI64:
			offset = val
		case vt == api.ValueTypeI32:
			offset = uint64(uint32(val))
		default:
			return nil, fmt.Errorf("data[%d]: offset is %s", i, api.ValueTypeName(vt))
		}
		if m.Memory == nil || !m.Memory.hasSize(offset, uint64(len(seg.Init))) {
			return nil, fmt.Errorf("data[%d]: out of bounds memory access", i)
		}
		offsets[i] = offset
	}
	return offsets, nil
}

func (m *ModuleInstance) applyElementSegments(offsets []uint32) {
	for i, seg := range m.Source.ElementSection {
		if seg.IsPassive() {
			continue
		}
		refs := m.resolveReferences(seg.Init)
		copy(m.Table.References[offsets[i]:], refs)
	}
}

func (m *ModuleInstance) applyDataSegments(offsets []uint64) {
	for i, seg := range m.Source.DataSection {
		if seg.IsPassive() {
			continue
		}
		copy(m.Memory.Buffer[offsets[i]:], seg.Init)
	}
}

// resolveReferences maps function indexes to table references carrying the
// target's canonical type ID and owning instance.
func (m *ModuleInstance) resolveReferences(init []Index) []Reference {
	refs := make([]Reference, len(init))
	for i, funcIdx := range init {
		f := m.Functions[funcIdx]
		refs[i] = Reference{Function: f, TypeID: f.TypeID}
	}
	return refs
}

// evalConstExpression evaluates an initializer against the imported global
// prefix, returning the value and its type.
func evalConstExpression(globals []*GlobalInstance, expr *ConstantExpression) (uint64, api.ValueType, error) {
	switch expr.Opcode {
	case OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(expr.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid i32.const: %w", err)
		}
		return api.EncodeI32(v), api.ValueTypeI32, nil
	case OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(expr.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid i64.const: %w", err)
		}
		return api.EncodeI64(v), api.ValueTypeI64, nil
	case OpcodeF32Const:
		if len(expr.Data) != 4 {
			return 0, 0, fmt.Errorf("invalid f32.const")
		}
		bits := uint64(expr.Data[0]) | uint64(expr.Data[1])<<8 | uint64(expr.Data[2])<<16 | uint64(expr.Data[3])<<24
		return bits, api.ValueTypeF32, nil
	case OpcodeF64Const:
		if len(expr.Data) != 8 {
			return 0, 0, fmt.Errorf("invalid f64.const")
		}
		var bits uint64
		for i := 7; i >= 0; i-- {
			bits = bits<<8 | uint64(expr.Data[i])
		}
		return bits, api.ValueTypeF64, nil
	case OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(expr.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid global.get: %w", err)
		}
		if int(idx) >= len(globals) {
			return 0, 0, fmt.Errorf("global.get %d out of range", idx)
		}
		g := globals[idx]
		return g.Val, g.Type.ValType, nil
	}
	return 0, 0, fmt.Errorf("invalid opcode for const expression: %#x", expr.Opcode)
}

// NewHostModule instantiates and registers a module whose exports are the
// given host functions. Signatures are interned like guest signatures, so
// guest imports resolve against them structurally.
func (s *Store) NewHostModule(name string, funcs map[string]*HostFunc) (*ModuleInstance, error) {
	module := &Module{ExportSection: map[string]*Export{}}
	names := make([]string, 0, len(funcs))
	for n := range funcs {
		names = append(names, n)
	}
	sort.Strings(names)

	instance := &ModuleInstance{Name: name, Source: module}
	for i, n := range names {
		hf := funcs[n]
		if hf.Fn == nil {
			return nil, fmt.Errorf("host function %q has no implementation", n)
		}
		typeIdx := module.AddSignature(hf.Params, hf.Results)
		funcIdx := Index(i)
		ft := module.TypeSection[typeIdx]
		instance.Functions = append(instance.Functions, &FunctionInstance{
			Module: instance,
			Type:   ft,
			TypeID: s.getFunctionTypeID(ft),
			GoFunc: hf.Fn,
			Index:  funcIdx,
			Name:   n,
		})
		module.FunctionSection = append(module.FunctionSection, typeIdx)
		module.CodeSection = append(module.CodeSection, &Code{})
		module.ExportSection[n] = &Export{Name: n, Type: api.ExternTypeFunc, Index: funcIdx}
		if module.FunctionNames == nil {
			module.FunctionNames = map[Index]string{}
		}
		module.FunctionNames[funcIdx] = n
	}
	instance.TypeIDs = make([]FunctionTypeID, len(module.TypeSection))
	for i, t := range module.TypeSection {
		instance.TypeIDs[i] = s.getFunctionTypeID(t)
	}
	instance.buildExports()

	me, err := s.engine.NewModuleEngine(name, module, instance)
	if err != nil {
		return nil, fmt.Errorf("host module %q: %w", name, err)
	}
	instance.Engine = me

	s.mux.Lock()
	defer s.mux.Unlock()
	if _, dup := s.nameToModule[name]; dup {
		_ = me.Close()
		return nil, fmt.Errorf("module %q already instantiated", name)
	}
	s.nameToModule[name] = instance
	return instance, nil
}

// ExportedFunction returns a callable wrapper over the named function
// export.
func (m *ModuleInstance) ExportedFunction(name string) (Function, error) {
	exp, ok := m.Exports[name]
	if !ok {
		return nil, fmt.Errorf("%q is not exported in module %q", name, m.Name)
	}
	if exp.Type != api.ExternTypeFunc {
		return nil, fmt.Errorf("export %q in module %q is a %s", name, m.Name, api.ExternTypeName(exp.Type))
	}
	return m.Engine.NewFunction(exp.Function), nil
}

// WrapCode returns a callable wrapper over the function at the given index
// in this instance's index space, exported or not.
func (m *ModuleInstance) WrapCode(funcIndex Index) (Function, error) {
	if int(funcIndex) >= len(m.Functions) {
		return nil, fmt.Errorf("function index %d out of range in module %q", funcIndex, m.Name)
	}
	return m.Engine.NewFunction(m.Functions[funcIndex]), nil
}

// ExportedGlobal returns the named global export, or nil.
func (m *ModuleInstance) ExportedGlobal(name string) *GlobalInstance {
	if exp, ok := m.Exports[name]; ok && exp.Type == api.ExternTypeGlobal {
		return exp.Global
	}
	return nil
}

// ExportedMemory returns the named memory export, or nil.
func (m *ModuleInstance) ExportedMemory(name string) *MemoryInstance {
	if exp, ok := m.Exports[name]; ok && exp.Type == api.ExternTypeMemory {
		return exp.Memory
	}
	return nil
}

// ExportedTable returns the named table export, or nil.
func (m *ModuleInstance) ExportedTable(name string) *TableInstance {
	if exp, ok := m.Exports[name]; ok && exp.Type == api.ExternTypeTable {
		return exp.Table
	}
	return nil
}

// Close deregisters the instance and releases its code slots. In-flight
// calls finish on the code objects they already hold.
func (m *ModuleInstance) Close(s *Store) error {
	s.mux.Lock()
	if s.nameToModule[m.Name] == m {
		delete(s.nameToModule, m.Name)
	}
	s.mux.Unlock()
	return m.Engine.Close()
}
