package syscall

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/fortiblox/sbpf/internal/types"
	"github.com/fortiblox/sbpf/pkg/meter"
	"github.com/fortiblox/sbpf/pkg/sbpf"
)

// Program derived address limits.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrAddressOnCurve        = errors.New("derived address is on the ed25519 curve")
	ErrNoViableBump          = errors.New("unable to find a viable bump seed")
)

// readSeeds reads count (ptr, len) seed pairs from guest memory.
// A nil slice with ok=false means a seed exceeded MaxSeedLen, which the
// syscalls report as a guest-visible error code rather than a fault.
func readSeeds(vm sbpf.VM, addr, count uint64) ([][]byte, bool, error) {
	seeds := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		seedPtr, err := vm.Read64(addr + i*16)
		if err != nil {
			return nil, false, err
		}
		seedLen, err := vm.Read64(addr + i*16 + 8)
		if err != nil {
			return nil, false, err
		}

		if seedLen > MaxSeedLen {
			return nil, false, nil
		}

		seed := make([]byte, seedLen)
		if err := vm.Read(seedPtr, seed); err != nil {
			return nil, false, err
		}
		seeds[i] = seed
	}
	return seeds, true, nil
}

func readPubkey(vm sbpf.VM, addr uint64) (types.Pubkey, error) {
	var key types.Pubkey
	buf := make([]byte, 32)
	if err := vm.Read(addr, buf); err != nil {
		return key, err
	}
	copy(key[:], buf)
	return key, nil
}

func (r *Registry) registerPDA(ctx InvokeContext) {
	// sol_create_program_address: r1 = seeds ptr, r2 = seeds count,
	// r3 = program ID ptr, r4 = 32-byte result ptr. Returns 0 on
	// success, 1 when no valid address exists for the seeds.
	r.register("sol_create_program_address", 4, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.Meter().Consume(CUCreatePDA); err != nil {
			return 0, err
		}
		if r2 > MaxSeeds {
			return 1, nil
		}

		programID, err := readPubkey(vm, r3)
		if err != nil {
			return 0, err
		}
		seeds, ok, err := readSeeds(vm, r1, r2)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 1, nil
		}

		pda, err := CreateProgramAddress(seeds, programID)
		if err != nil {
			return 1, nil
		}

		if err := vm.Write(r4, pda[:]); err != nil {
			return 0, err
		}
		return 0, nil
	})

	// sol_try_find_program_address: like sol_create_program_address with
	// r5 = bump seed result ptr; searches bumps 255..0.
	r.register("sol_try_find_program_address", 5, func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 > MaxSeeds-1 { // room for the bump seed
			return 1, nil
		}

		programID, err := readPubkey(vm, r3)
		if err != nil {
			return 0, err
		}
		seeds, ok, err := readSeeds(vm, r1, r2)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 1, nil
		}

		pda, bump, err := FindProgramAddress(seeds, programID, vm.Meter())
		if err != nil {
			if errors.Is(err, meter.ErrBudgetExceeded) {
				return 0, err
			}
			return 1, nil
		}

		if err := vm.Write(r4, pda[:]); err != nil {
			return 0, err
		}
		if err := vm.Write8(r5, bump); err != nil {
			return 0, err
		}
		return 0, nil
	})
}

// CreateProgramAddress derives a program address from seeds and a program
// ID. The derivation fails when the resulting point lies on the ed25519
// curve, which guarantees the address has no corresponding private key.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	var pda types.Pubkey
	if len(seeds) > MaxSeeds {
		return pda, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return pda, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	sum := h.Sum(nil)
	if isOnCurve(sum) {
		return pda, ErrAddressOnCurve
	}

	copy(pda[:], sum)
	return pda, nil
}

// FindProgramAddress searches bump seeds from 255 down to 0 for a valid
// derivation, charging mtr per attempt.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey, mtr *meter.Meter) (types.Pubkey, uint8, error) {
	for bump := uint8(255); ; bump-- {
		if err := mtr.Consume(CUFindPDA); err != nil {
			return types.Pubkey{}, 0, err
		}

		withBump := make([][]byte, len(seeds)+1)
		copy(withBump, seeds)
		withBump[len(seeds)] = []byte{bump}

		pda, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return pda, bump, nil
		}

		if bump == 0 {
			return types.Pubkey{}, 0, ErrNoViableBump
		}
	}
}

// isOnCurve reports whether point is a valid compressed ed25519 point.
//
// Ed25519 is the twisted Edwards curve -x^2 + y^2 = 1 + d*x^2*y^2 over
// GF(2^255 - 19). The compressed form stores y with the sign of x in the
// top bit, so the check recovers x^2 = (y^2 - 1) / (d*y^2 + 1) and tests
// whether it is a quadratic residue.
func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}

	p := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

	d := new(big.Int).Mul(big.NewInt(-121665), new(big.Int).ModInverse(big.NewInt(121666), p))
	d.Mod(d, p)

	yBytes := make([]byte, 32)
	copy(yBytes, point)
	yBytes[31] &= 0x7F

	y := new(big.Int)
	for i := 31; i >= 0; i-- {
		y.Lsh(y, 8)
		y.Or(y, big.NewInt(int64(yBytes[i])))
	}
	if y.Cmp(p) >= 0 {
		return false
	}

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, p)

	num := new(big.Int).Sub(y2, big.NewInt(1))
	num.Mod(num, p)

	den := new(big.Int).Mul(d, y2)
	den.Add(den, big.NewInt(1))
	den.Mod(den, p)

	denInv := new(big.Int).ModInverse(den, p)
	if denInv == nil {
		return false
	}
	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, p)

	// Euler's criterion: x^2 is a residue iff x^2^((p-1)/2) = 1 (mod p).
	exp := new(big.Int).Rsh(new(big.Int).Sub(p, big.NewInt(1)), 1)
	legendre := new(big.Int).Exp(x2, exp, p)

	return legendre.Cmp(big.NewInt(1)) == 0 || x2.Sign() == 0
}
