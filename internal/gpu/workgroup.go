package gpu

// DefaultLocalSize is the preferred work-group size for element-wise kernels.
const DefaultLocalSize = 256

// ComputeWorkSize picks the local size as preferred capped at the device
// maximum, and rounds n up to a whole number of work-groups. Kernels guard the
// tail with an id < size check.
func ComputeWorkSize(n, preferredLocal, maxLocal int) WorkSize {
	local := preferredLocal
	if local <= 0 {
		local = DefaultLocalSize
	}
	if maxLocal > 0 && local > maxLocal {
		local = maxLocal
	}
	if local < 1 {
		local = 1
	}

	global := n
	if global < 1 {
		global = 1
	}
	if rem := global % local; rem != 0 {
		global += local - rem
	}
	return WorkSize{Global: global, Local: local}
}
