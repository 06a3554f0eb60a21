// infer/trace/record.go
package trace

// Op identifies the decision a record captures.
type Op string

const (
	OpLoad     Op = "load"
	OpEvict    Op = "evict"
	OpUnload   Op = "unload"
	OpPrefetch Op = "prefetch"
	OpStep     Op = "step"
)

// Record is one residency or scheduling decision. Records are cheap value
// types so collection can stay on during normal runs.
type Record struct {
	PassID    string  `json:"pass_id,omitempty"`
	Tick      uint64  `json:"tick"`
	Op        Op      `json:"op"`
	Layer     int     `json:"layer"`
	Bytes     uint64  `json:"bytes,omitempty"`
	Policy    string  `json:"policy,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	ElapsedMs float64 `json:"elapsed_ms,omitempty"`
}
