package parallel

// Workgroup is a box of invocations executed as one unit of work.
//
// The CPU executor mirrors GPU workgroups: a dispatch grid is divided into
// boxes of the kernel's workgroup size, and each box becomes one pool task.
// Edge workgroups are clipped to the grid.
type Workgroup struct {
	// Origin is the global invocation id of the first invocation.
	Origin [3]uint32

	// Extent is the number of invocations along each axis (never zero).
	Extent [3]uint32
}

// Invocations returns the number of invocations in the workgroup.
func (w Workgroup) Invocations() int {
	return int(w.Extent[0]) * int(w.Extent[1]) * int(w.Extent[2])
}

// ForEach calls fn for every invocation id in x-fastest order and stops at
// the first error.
func (w Workgroup) ForEach(fn func(id [3]uint32) error) error {
	var id [3]uint32
	for z := uint32(0); z < w.Extent[2]; z++ {
		id[2] = w.Origin[2] + z
		for y := uint32(0); y < w.Extent[1]; y++ {
			id[1] = w.Origin[1] + y
			for x := uint32(0); x < w.Extent[0]; x++ {
				id[0] = w.Origin[0] + x
				if err := fn(id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Partition divides grid into workgroups of the given size.
//
// Workgroups are returned in x-fastest order. An empty grid (any zero
// dimension) yields no workgroups. A zero size component is treated as 1.
func Partition(grid, size [3]uint32) []Workgroup {
	if grid[0] == 0 || grid[1] == 0 || grid[2] == 0 {
		return nil
	}
	for i := range size {
		if size[i] == 0 {
			size[i] = 1
		}
	}

	var count [3]uint32
	for i := range count {
		count[i] = (grid[i] + size[i] - 1) / size[i]
	}

	groups := make([]Workgroup, 0, int(count[0])*int(count[1])*int(count[2]))
	for gz := uint32(0); gz < count[2]; gz++ {
		for gy := uint32(0); gy < count[1]; gy++ {
			for gx := uint32(0); gx < count[0]; gx++ {
				origin := [3]uint32{gx * size[0], gy * size[1], gz * size[2]}
				var extent [3]uint32
				for i := range extent {
					// Edge workgroups are clipped
					extent[i] = min(size[i], grid[i]-origin[i])
				}
				groups = append(groups, Workgroup{Origin: origin, Extent: extent})
			}
		}
	}
	return groups
}
