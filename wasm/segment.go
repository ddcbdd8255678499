package wasm

// DataInstance is the per-instance state of one passive data segment. The
// payload is shared with the Module; only the drop flag is instance state.
// Dropping is independent of how many times the segment was copied.
type DataInstance struct {
	Bytes   []byte
	dropped bool
}

// Drop marks the segment unusable for future copies. Dropping an already
// dropped segment is a no-op, not an error.
func (d *DataInstance) Drop() { d.dropped = true }

// Dropped reports whether the segment can no longer be copied.
func (d *DataInstance) Dropped() bool { return d.dropped }

// CopyInto copies byteCount bytes starting at srcOffset into mem at dest.
// It returns false, leaving the memory untouched, when the segment was
// dropped or either range is out of bounds; the engine raises the
// corresponding trap.
func (d *DataInstance) CopyInto(mem *MemoryInstance, dest, srcOffset, byteCount uint64) bool {
	if d.dropped {
		return false
	}
	if srcOffset+byteCount > uint64(len(d.Bytes)) || srcOffset+byteCount < srcOffset {
		return false
	}
	return mem.Write(dest, d.Bytes[srcOffset:srcOffset+byteCount])
}

// ElementInstance is the per-instance state of one passive element segment,
// holding the already-resolved references so table.init preserves the
// owning instance of each function.
type ElementInstance struct {
	References []Reference
	dropped    bool
}

// Drop marks the segment unusable for future copies; idempotent.
func (e *ElementInstance) Drop() { e.dropped = true }

// Dropped reports whether the segment can no longer be copied.
func (e *ElementInstance) Dropped() bool { return e.dropped }

// CopyInto copies count references starting at srcOffset into table at
// dest, with the same all-or-nothing contract as DataInstance.CopyInto.
func (e *ElementInstance) CopyInto(table *TableInstance, dest, srcOffset, count uint64) bool {
	if e.dropped {
		return false
	}
	if srcOffset+count > uint64(len(e.References)) || srcOffset+count < srcOffset {
		return false
	}
	if dest+count > uint64(table.Size()) || dest+count < dest {
		return false
	}
	copy(table.References[dest:dest+count], e.References[srcOffset:srcOffset+count])
	return true
}
