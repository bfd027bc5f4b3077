package storage

import "github.com/roach88/strata/internal/schema"

type slotState uint8

const (
	slotFree slotState = iota
	slotBooked
	slotFilled
)

type slot struct {
	state slotState
	data  *EntityData
}

// family is the dense slot array of one concrete type. A family reachable
// from a snapshot is never written; builders clone it on first write.
type family struct {
	slots  []slot
	filled int

	// reusable lists base tombstones this builder may fill, ascending.
	// Slots freed by the owning builder are never added.
	reusable []int
}

func (f *family) get(i int) *EntityData {
	if f == nil || i < 0 || i >= len(f.slots) || f.slots[i].state != slotFilled {
		return nil
	}
	return f.slots[i].data
}

func (f *family) state(i int) slotState {
	if f == nil || i < 0 || i >= len(f.slots) {
		return slotFree
	}
	return f.slots[i].state
}

func (f *family) size() int {
	if f == nil {
		return 0
	}
	return len(f.slots)
}

// mutableCopy clones the slot array for a builder. freed holds the slots
// released earlier by the same builder, which stay unavailable.
func (f *family) mutableCopy(freed map[int]struct{}) *family {
	out := &family{}
	if f == nil {
		return out
	}
	out.slots = make([]slot, len(f.slots), len(f.slots)+8)
	copy(out.slots, f.slots)
	out.filled = f.filled
	for i, s := range f.slots {
		if s.state != slotFree {
			continue
		}
		if _, gone := freed[i]; gone {
			continue
		}
		out.reusable = append(out.reusable, i)
	}
	return out
}

func (f *family) alloc() int {
	if len(f.reusable) > 0 {
		i := f.reusable[0]
		f.reusable = f.reusable[1:]
		return i
	}
	f.slots = append(f.slots, slot{})
	return len(f.slots) - 1
}

func (f *family) add(d *EntityData) int {
	i := f.alloc()
	f.slots[i] = slot{state: slotFilled, data: d}
	f.filled++
	return i
}

func (f *family) book() int {
	i := f.alloc()
	f.slots[i] = slot{state: slotBooked}
	return i
}

// insertAt fills a booked slot or writes at a specific index, growing the
// array with tombstones as needed.
func (f *family) insertAt(i int, d *EntityData) {
	for len(f.slots) <= i {
		f.slots = append(f.slots, slot{})
	}
	if f.slots[i].state != slotFilled {
		f.filled++
	}
	f.slots[i] = slot{state: slotFilled, data: d}
	f.dropReusable(i)
}

func (f *family) replace(i int, d *EntityData) {
	f.slots[i].data = d
}

func (f *family) remove(i int) {
	if f.slots[i].state == slotFilled {
		f.filled--
	}
	f.slots[i] = slot{}
}

func (f *family) dropReusable(i int) {
	for k, r := range f.reusable {
		if r == i {
			f.reusable = append(f.reusable[:k:k], f.reusable[k+1:]...)
			return
		}
	}
}

// barrel groups families by TypeID; abstract types keep a nil family.
type barrel []*family

func newBarrel(reg *schema.Registry) barrel {
	return make(barrel, reg.TypeCount())
}

func (b barrel) family(t schema.TypeID) *family {
	if t < 0 || int(t) >= len(b) {
		return nil
	}
	return b[t]
}
