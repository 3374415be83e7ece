package syscall

import (
	"github.com/fortiblox/sbpf/pkg/sbpf"
)

func (r *Registry) registerLogging(ctx InvokeContext) {
	// sol_log_: r1 = message ptr, r2 = message len
	r.register("sol_log_", 2, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := r2
		if msgLen > MaxLogMsgLen {
			msgLen = MaxLogMsgLen
		}

		if err := vm.Meter().Consume(CULogBase + CULogPerByte*msgLen); err != nil {
			return 0, err
		}

		msg := make([]byte, msgLen)
		if err := vm.Read(r1, msg); err != nil {
			return 0, err
		}

		ctx.Log(string(msg))
		return 0, nil
	})

	// sol_log_64_: logs r1-r5 as integers
	r.register("sol_log_64_", 5, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(CULog64); err != nil {
			return 0, err
		}

		ctx.LogData([][]byte{
			uint64ToBytes(r1),
			uint64ToBytes(r2),
			uint64ToBytes(r3),
			uint64ToBytes(r4),
			uint64ToBytes(r5),
		})
		return 0, nil
	})

	// sol_log_pubkey: r1 = pubkey ptr
	r.register("sol_log_pubkey", 1, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(CULogPubkey); err != nil {
			return 0, err
		}

		pubkey := make([]byte, 32)
		if err := vm.Read(r1, pubkey); err != nil {
			return 0, err
		}

		ctx.LogData([][]byte{pubkey})
		return 0, nil
	})

	// sol_log_compute_units_: logs the remaining budget
	r.register("sol_log_compute_units_", 0, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(CUSyscallBase); err != nil {
			return 0, err
		}

		ctx.LogData([][]byte{uint64ToBytes(vm.Meter().Remaining())})
		return 0, nil
	})

	// sol_log_data: r1 = ptr to (ptr, len) pairs, r2 = pair count
	r.register("sol_log_data", 2, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 == 0 || r2 > MaxHashSlices {
			return 0, ErrInvalidArgument
		}

		if err := vm.Meter().Consume(CULogBase); err != nil {
			return 0, err
		}

		data, err := readSliceTable(vm, r1, r2, MaxLogMsgLen, CULogPerByte)
		if err != nil {
			return 0, err
		}

		ctx.LogData(data)
		return 0, nil
	})
}

// readSliceTable reads count (ptr, len) pairs starting at addr and returns
// the referenced byte slices, charging perByte compute for each slice.
func readSliceTable(vm sbpf.VM, addr, count, maxLen, perByte uint64) ([][]byte, error) {
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		ptr, err := vm.Read64(addr + i*16)
		if err != nil {
			return nil, err
		}
		length, err := vm.Read64(addr + i*16 + 8)
		if err != nil {
			return nil, err
		}

		if length > maxLen {
			return nil, ErrInvalidLength
		}
		if err := vm.Meter().Consume(perByte * length); err != nil {
			return nil, err
		}

		slice := make([]byte, length)
		if err := vm.Read(ptr, slice); err != nil {
			return nil, err
		}
		out = append(out, slice)
	}
	return out, nil
}
