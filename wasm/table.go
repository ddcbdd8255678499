package wasm

// Reference is one table slot: a function together with its canonical type
// ID, or null when Function is nil. The owning instance is reachable via
// Function.Module, so dispatching through a slot lands in the right code
// slots even for functions imported from other modules.
type Reference struct {
	Function *FunctionInstance
	TypeID   FunctionTypeID
}

// IsNull returns true for an uninitialized slot.
func (r Reference) IsNull() bool { return r.Function == nil }

// TableInstance is the mutable table of one instance. All slots start null;
// active element segments and table.init populate them.
type TableInstance struct {
	References []Reference
	Min        uint32
	Max        *uint32
	ElemType   byte
}

// NewTableInstance allocates a table of the declared minimum size with all
// slots null.
func NewTableInstance(decl *Table) *TableInstance {
	return &TableInstance{
		References: make([]Reference, decl.Min),
		Min:        decl.Min,
		Max:        decl.Max,
		ElemType:   decl.ElemType,
	}
}

// Size returns the current slot count.
func (t *TableInstance) Size() uint32 {
	return uint32(len(t.References))
}

// Lookup returns the slot at index i, with ok=false on out-of-bounds.
func (t *TableInstance) Lookup(i uint32) (Reference, bool) {
	if i >= t.Size() {
		return Reference{}, false
	}
	return t.References[i], true
}

// Set stores a reference into slot i, with ok=false on out-of-bounds.
func (t *TableInstance) Set(i uint32, ref Reference) bool {
	if i >= t.Size() {
		return false
	}
	t.References[i] = ref
	return true
}
