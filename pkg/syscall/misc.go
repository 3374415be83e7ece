package syscall

import (
	"fmt"

	"github.com/fortiblox/sbpf/pkg/sbpf"
)

func (r *Registry) registerMisc(ctx InvokeContext) {
	// abort: unconditional guest-requested termination.
	r.register("abort", 0, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, ErrAborted
	})

	// sol_panic_: r1 = filename ptr, r2 = filename len, r3 = line, r4 = column
	r.register("sol_panic_", 4, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		fileLen := r2
		if fileLen > 256 {
			fileLen = 256
		}

		filename := make([]byte, fileLen)
		if err := vm.Read(r1, filename); err != nil {
			return 0, fmt.Errorf("%w: panicked", ErrAborted)
		}

		return 0, fmt.Errorf("%w: panicked at %s:%d:%d", ErrAborted, filename, r3, r4)
	})

	// sol_set_return_data: r1 = data ptr, r2 = data len
	r.register("sol_set_return_data", 2, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dataAddr, dataLen := r1, r2

		if err := vm.Meter().Consume(CUSyscallBase); err != nil {
			return 0, err
		}
		if dataLen > MaxReturnData {
			return 0, ErrMaxReturnData
		}

		data := make([]byte, dataLen)
		if err := vm.Read(dataAddr, data); err != nil {
			return 0, err
		}

		if err := ctx.SetReturnData(ctx.GetProgramID(), data); err != nil {
			return 0, err
		}
		return 0, nil
	})

	// sol_get_return_data: r1 = dst ptr, r2 = dst capacity, r3 = program
	// ID ptr. Returns the full length of the stored return data.
	r.register("sol_get_return_data", 3, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dstAddr, maxLen, programIDAddr := r1, r2, r3

		if err := vm.Meter().Consume(CUSyscallBase); err != nil {
			return 0, err
		}

		programID, data := ctx.GetReturnData()

		copyLen := uint64(len(data))
		if copyLen > maxLen {
			copyLen = maxLen
		}
		if copyLen > 0 {
			if err := vm.Write(dstAddr, data[:copyLen]); err != nil {
				return 0, err
			}
		}

		if err := vm.Write(programIDAddr, programID[:]); err != nil {
			return 0, err
		}

		return uint64(len(data)), nil
	})

	// sol_get_stack_height: current invocation depth.
	r.register("sol_get_stack_height", 0, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(CUSyscallBase); err != nil {
			return 0, err
		}
		return ctx.StackHeight(), nil
	})
}
