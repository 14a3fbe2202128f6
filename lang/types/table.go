package types

// Table is the open-addressed hash table used for globals, class methods,
// instance fields and the string intern set. Linear probing, power-of-two
// capacity, load factor 3/4. Keys are Values; the nil key is reserved as the
// empty-slot sentinel. A deleted slot is a tombstone: nil key with a true
// value. Tombstones count toward the load factor and are rebuilt away on
// resize.
type Table struct {
	count   int // live entries plus tombstones
	entries []tableEntry
}

type tableEntry struct {
	key   Value
	value Value
}

const tableMaxLoadNum, tableMaxLoadDen = 3, 4

func (e *tableEntry) isEmpty() bool     { return e.key.IsNil() }
func (e *tableEntry) isTombstone() bool { return e.key.IsNil() && e.value.Truth() }

// findEntry probes for key and returns the entry where it lives, or where it
// should be inserted: the first tombstone seen during the probe if any,
// otherwise the first truly empty slot.
func findEntry(entries []tableEntry, key Value) *tableEntry {
	var tombstone *tableEntry
	mask := uint32(len(entries) - 1)
	for i := key.Hash() & mask; ; i = (i + 1) & mask {
		entry := &entries[i]
		if entry.isEmpty() {
			if !entry.isTombstone() {
				if tombstone != nil {
					return tombstone
				}
				return entry
			}
			if tombstone == nil {
				tombstone = entry
			}
		} else if entry.key.Equal(key) {
			return entry
		}
	}
}

func (t *Table) adjustCapacity(capacity int) {
	entries := make([]tableEntry, capacity)
	// rebuild, recomputing tombstones away
	t.count = 0
	for i := range t.entries {
		src := &t.entries[i]
		if src.isEmpty() {
			continue
		}
		dst := findEntry(entries, src.key)
		dst.key = src.key
		dst.value = src.value
		t.count++
	}
	t.entries = entries
}

// Install sets key to value and returns true iff the key was not already
// present.
func (t *Table) Install(key, value Value) bool {
	if (t.count+1)*tableMaxLoadDen > len(t.entries)*tableMaxLoadNum {
		capacity := len(t.entries) * 2
		if capacity < 8 {
			capacity = 8
		}
		t.adjustCapacity(capacity)
	}

	entry := findEntry(t.entries, key)
	isNew := entry.isEmpty()
	if isNew && !entry.isTombstone() {
		t.count++
	}
	entry.key = key
	entry.value = value
	return isNew
}

// Lookup returns the value stored for key.
func (t *Table) Lookup(key Value) (Value, bool) {
	if t.count == 0 {
		return Nil, false
	}
	entry := findEntry(t.entries, key)
	if entry.isEmpty() {
		return Nil, false
	}
	return entry.value, true
}

// Delete removes key, leaving a tombstone, and returns true iff the key was
// present.
func (t *Table) Delete(key Value) bool {
	if t.count == 0 {
		return false
	}
	entry := findEntry(t.entries, key)
	if entry.isEmpty() {
		return false
	}
	entry.key = Nil
	entry.value = True
	return true
}

// AddAll copies every entry of from into t. Used for method inheritance.
func (t *Table) AddAll(from *Table) {
	for i := range from.entries {
		entry := &from.entries[i]
		if !entry.isEmpty() {
			t.Install(entry.key, entry.value)
		}
	}
}

// Range calls fn for every live entry until fn returns false.
func (t *Table) Range(fn func(key, value Value) bool) {
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.isEmpty() {
			continue
		}
		if !fn(entry.key, entry.value) {
			return
		}
	}
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	n := 0
	for i := range t.entries {
		if !t.entries[i].isEmpty() {
			n++
		}
	}
	return n
}

// FindString looks up an interned heap string by bytes and hash, comparing
// raw content instead of Value identity. Used only by the intern table.
func (t *Table) FindString(b []byte, hash uint32) *Object {
	if t.count == 0 {
		return nil
	}
	mask := uint32(len(t.entries) - 1)
	for i := hash & mask; ; i = (i + 1) & mask {
		entry := &t.entries[i]
		if entry.isEmpty() {
			if !entry.isTombstone() {
				return nil
			}
			continue
		}
		obj := entry.key.AsObj()
		if obj.hash == hash && len(obj.bytes) == len(b) && string(obj.bytes) == string(b) {
			return obj
		}
	}
}

// removeUnmarked deletes every entry whose key is an unmarked heap object.
// The heap calls it on the intern table between mark and sweep, which is what
// makes the table's hold on interned strings weak.
func (t *Table) removeUnmarked() {
	for i := range t.entries {
		entry := &t.entries[i]
		if !entry.isEmpty() && entry.key.IsObj() && !entry.key.AsObj().marked {
			entry.key = Nil
			entry.value = True
		}
	}
}
