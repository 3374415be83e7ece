package syscall

import (
	"github.com/fortiblox/sbpf/pkg/sbpf"
)

// chargeMemOp validates n and debits the linear memory-operation cost.
func chargeMemOp(vm sbpf.VM, n uint64) error {
	if n > MaxMemOpSize {
		return ErrInvalidLength
	}
	if n > (^uint64(0)-CUMemOpBase)/CUMemOpPerByte {
		return ErrCostOverflow
	}
	return vm.Meter().Consume(CUMemOpBase + CUMemOpPerByte*n)
}

func (r *Registry) registerMemory(ctx InvokeContext) {
	// sol_memcpy_ and sol_memmove_ share one implementation: the copy
	// goes through a host-side buffer, so overlap is always safe.
	copyFn := func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, src, n := r1, r2, r3
		if n == 0 {
			return 0, nil
		}
		if err := chargeMemOp(vm, n); err != nil {
			return 0, err
		}

		data := make([]byte, n)
		if err := vm.Read(src, data); err != nil {
			return 0, err
		}
		if err := vm.Write(dst, data); err != nil {
			return 0, err
		}
		return 0, nil
	}
	r.register("sol_memcpy_", 3, copyFn)
	r.register("sol_memmove_", 3, copyFn)

	// sol_memset_: r1 = dst, r2 = fill byte, r3 = len
	r.register("sol_memset_", 3, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, val, n := r1, uint8(r2), r3
		if n == 0 {
			return 0, nil
		}
		if err := chargeMemOp(vm, n); err != nil {
			return 0, err
		}

		data := make([]byte, n)
		for i := range data {
			data[i] = val
		}
		if err := vm.Write(dst, data); err != nil {
			return 0, err
		}
		return 0, nil
	})

	// sol_memcmp_: r1/r2 = operands, r3 = len, r4 = i32 result ptr
	r.register("sol_memcmp_", 4, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		addr1, addr2, n, resultAddr := r1, r2, r3, r4
		if err := chargeMemOp(vm, n); err != nil {
			return 0, err
		}

		var result int32
		if n > 0 {
			data1 := make([]byte, n)
			data2 := make([]byte, n)
			if err := vm.Read(addr1, data1); err != nil {
				return 0, err
			}
			if err := vm.Read(addr2, data2); err != nil {
				return 0, err
			}
			for i := uint64(0); i < n; i++ {
				if data1[i] != data2[i] {
					result = int32(data1[i]) - int32(data2[i])
					break
				}
			}
		}

		if err := vm.Write32(resultAddr, uint32(result)); err != nil {
			return 0, err
		}
		return 0, nil
	})

	// sol_alloc_free_: bump allocator over the guest heap. r1 = size,
	// r2 = addr to free (freeing is a no-op). Returns 0 on failure.
	r.register("sol_alloc_free_", 2, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		size := r1

		if err := vm.Meter().Consume(CUSyscallBase); err != nil {
			return 0, err
		}
		if size == 0 {
			return 0, nil
		}

		size = (size + 7) &^ 7 // 8-byte alignment

		current := vm.HeapSize()
		if current+size > vm.HeapMax() {
			return 0, nil
		}
		vm.UpdateHeapSize(current + size)

		return sbpf.VaddrHeap + current, nil
	})
}
