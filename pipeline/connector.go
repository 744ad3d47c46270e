package pipeline

// Connect wires src.outputPorts[srcPort] -> dst.inputPorts[dstPort]: it
// creates the shared DataPipe on dst if one doesn't already exist for
// that port (registering dst.onInputNotify as its push-handler), records
// dstPort/srcPort against each element's port sets, and stores a weak
// reference to the pipe in src.outputPipes[srcPort].
//
// Wiring happens before Start and is not re-entrant; calling Connect
// again for the same (dst, dstPort) reuses the existing pipe rather than
// replacing it, so the order connections are declared in a graph
// document never affects the final topology.
func Connect(src *Element, srcPort int, dst *Element, dstPort int) {
	pipe := dst.inputPipe(dstPort)

	src.mu.Lock()
	src.outputPorts[srcPort] = true
	src.outputPipes[srcPort] = append(src.outputPipes[srcPort], newWeakPipe(pipe))
	src.mu.Unlock()
}
