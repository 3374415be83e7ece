package syscall

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/sbpf/pkg/sbpf"
)

// hashSyscall builds a handler for the multi-slice hashing syscalls.
// All three share the same calling convention: r1 = ptr to (ptr, len)
// pairs, r2 = pair count, r3 = 32-byte result ptr.
func hashSyscall(newHash func() hash.Hash, base, perByte uint64) sbpf.SyscallFunc {
	return func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		numSlices, resultAddr := r2, r3
		if numSlices > MaxHashSlices {
			return 0, ErrInvalidArgument
		}

		if err := vm.Meter().Consume(base); err != nil {
			return 0, err
		}

		slices, err := readSliceTable(vm, r1, numSlices, MaxMemOpSize, perByte)
		if err != nil {
			return 0, err
		}

		h := newHash()
		for _, slice := range slices {
			h.Write(slice)
		}

		if err := vm.Write(resultAddr, h.Sum(nil)[:32]); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

func (r *Registry) registerCrypto(ctx InvokeContext) {
	r.register("sol_sha256", 3, hashSyscall(sha256.New, CUSha256Base, CUSha256PerByte))
	r.register("sol_keccak256", 3, hashSyscall(sha3.NewLegacyKeccak256, CUKeccak256Base, CUKeccak256PerByte))
	r.register("sol_blake3", 3, hashSyscall(func() hash.Hash { return blake3.New() }, CUBlake3Base, CUBlake3PerByte))
}
