package syscall

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/sbpf/internal/types"
	"github.com/fortiblox/sbpf/pkg/meter"
	"github.com/fortiblox/sbpf/pkg/sbpf"
)

// testVM is a minimal sbpf.VM backed by a flat buffer mapped at the input
// region base, just enough surface for handlers under test.
type testVM struct {
	mem      []byte
	heapSize uint64
	mtr      *meter.Meter
}

func newTestVM(size int) *testVM {
	return &testVM{
		mem:      make([]byte, size),
		heapSize: sbpf.HeapDefault,
		mtr:      meter.New(meter.BudgetDefault),
	}
}

// addr returns the guest address of byte offset off in the test buffer.
func (v *testVM) addr(off uint64) uint64 { return sbpf.VaddrInput + off }

func (v *testVM) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	if addr < sbpf.VaddrInput {
		return nil, sbpf.ErrInvalidMemoryAccess
	}
	off := addr - sbpf.VaddrInput
	if off+size > uint64(len(v.mem)) {
		return nil, sbpf.ErrInvalidMemoryAccess
	}
	return v.mem[off : off+size], nil
}

func (v *testVM) Read(addr uint64, p []byte) error {
	mem, err := v.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

func (v *testVM) Read8(addr uint64) (uint8, error) {
	mem, err := v.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

func (v *testVM) Read16(addr uint64) (uint16, error) {
	mem, err := v.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

func (v *testVM) Read32(addr uint64) (uint32, error) {
	mem, err := v.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

func (v *testVM) Read64(addr uint64) (uint64, error) {
	mem, err := v.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

func (v *testVM) Write(addr uint64, p []byte) error {
	mem, err := v.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func (v *testVM) Write8(addr uint64, x uint8) error {
	return v.Write(addr, []byte{x})
}

func (v *testVM) Write16(addr uint64, x uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], x)
	return v.Write(addr, buf[:])
}

func (v *testVM) Write32(addr uint64, x uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], x)
	return v.Write(addr, buf[:])
}

func (v *testVM) Write64(addr uint64, x uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], x)
	return v.Write(addr, buf[:])
}

func (v *testVM) VMContext() interface{} { return nil }

func (v *testVM) Meter() *meter.Meter { return v.mtr }

func (v *testVM) HeapMax() uint64 { return sbpf.HeapMax }

func (v *testVM) HeapSize() uint64 { return v.heapSize }

func (v *testVM) UpdateHeapSize(size uint64) { v.heapSize = size }

// testContext records syscall side effects.
type testContext struct {
	logs     []string
	logData  [][][]byte
	retID    types.Pubkey
	retData  []byte
	program  types.Pubkey
	caller   *types.Pubkey
	height   uint64
	invoked  []types.Pubkey
	invokeFn func(programID types.Pubkey, accounts []AccountMeta, data []byte, seeds [][]byte) error
}

func (c *testContext) Log(msg string) { c.logs = append(c.logs, msg) }

func (c *testContext) LogData(data [][]byte) { c.logData = append(c.logData, data) }

func (c *testContext) GetProgramID() types.Pubkey { return c.program }

func (c *testContext) GetCallerProgramID() (types.Pubkey, bool) {
	if c.caller == nil {
		return types.Pubkey{}, false
	}
	return *c.caller, true
}

func (c *testContext) SetReturnData(programID types.Pubkey, data []byte) error {
	c.retID = programID
	c.retData = data
	return nil
}

func (c *testContext) GetReturnData() (types.Pubkey, []byte) {
	return c.retID, c.retData
}

func (c *testContext) StackHeight() uint64 {
	if c.height == 0 {
		return 1
	}
	return c.height
}

// invokerContext additionally satisfies Invoker.
type invokerContext struct {
	testContext
}

func (c *invokerContext) InvokeProgram(programID types.Pubkey, accounts []AccountMeta, data []byte, seeds [][]byte) error {
	c.invoked = append(c.invoked, programID)
	if c.invokeFn != nil {
		return c.invokeFn(programID, accounts, data, seeds)
	}
	return nil
}

func invoke(t *testing.T, r *Registry, name string, vm sbpf.VM, args ...uint64) (uint64, error) {
	t.Helper()
	sc, ok := r.Get(Murmur3Hash(name))
	require.True(t, ok, "syscall %s not registered", name)
	var regs [5]uint64
	copy(regs[:], args)
	return sc.Invoke(vm, regs[0], regs[1], regs[2], regs[3], regs[4])
}

func TestRegistryResolution(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)

	for _, name := range r.Names() {
		hash := Murmur3Hash(name)
		_, ok := r.Get(hash)
		require.True(t, ok, "%s should resolve through its own hash", name)

		got, ok := r.NameFor(hash)
		require.True(t, ok)
		require.Equal(t, name, got)
	}

	resolver := r.Resolver()
	require.True(t, resolver(Murmur3Hash("sol_log_")))
	require.False(t, resolver(0xDEADBEEF))

	_, ok := r.Get(0xDEADBEEF)
	require.False(t, ok)

	arity, ok := r.Arity(Murmur3Hash("sol_log_64_"))
	require.True(t, ok)
	require.Equal(t, 5, arity)
}

func TestRegisterCustomSyscall(t *testing.T) {
	r := NewRegistry(&testContext{})

	fn := sbpf.SyscallFunc(func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return r1 + r2, nil
	})
	require.NoError(t, r.Register("custom_add", 2, fn))

	got, ok := r.GetByName("custom_add")
	require.True(t, ok)
	ret, err := got.Invoke(newTestVM(8), 2, 3, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), ret)

	// Re-registering the same name must be rejected, as must shadowing
	// a standard syscall.
	require.Error(t, r.Register("custom_add", 2, fn))
	require.Error(t, r.Register("sol_log_", 2, fn))
}

func TestMurmur3DistinctNames(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	seen := make(map[uint32]string)
	for _, name := range r.Names() {
		hash := Murmur3Hash(name)
		if prev, dup := seen[hash]; dup {
			t.Fatalf("hash collision between %q and %q", prev, name)
		}
		seen[hash] = name
	}
}

func TestSolLog(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(64)
	copy(vm.mem, "hello")

	ret, err := invoke(t, r, "sol_log_", vm, vm.addr(0), 5)
	require.NoError(t, err)
	require.Zero(t, ret)
	require.Equal(t, []string{"hello"}, ctx.logs)
}

func TestSolLog64(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(8)

	_, err := invoke(t, r, "sol_log_64_", vm, 1, 2, 3, 4, 5)
	require.NoError(t, err)
	require.Len(t, ctx.logData, 1)
	require.Len(t, ctx.logData[0], 5)
	require.EqualValues(t, 3, binary.LittleEndian.Uint64(ctx.logData[0][2]))
}

func TestSolMemcpy(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(64)
	copy(vm.mem[0:], "abcdef")

	ret, err := invoke(t, r, "sol_memcpy_", vm, vm.addr(32), vm.addr(0), 6)
	require.NoError(t, err)
	require.Zero(t, ret)
	require.Equal(t, []byte("abcdef"), vm.mem[32:38])
}

func TestSolMemset(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(16)

	_, err := invoke(t, r, "sol_memset_", vm, vm.addr(4), 0xAB, 8)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 8), vm.mem[4:12])
	require.Equal(t, byte(0), vm.mem[3])
	require.Equal(t, byte(0), vm.mem[12])
}

func TestSolMemcmp(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(64)
	copy(vm.mem[0:], "aaaa")
	copy(vm.mem[16:], "aaab")

	_, err := invoke(t, r, "sol_memcmp_", vm, vm.addr(0), vm.addr(16), 4, vm.addr(32))
	require.NoError(t, err)
	result := int32(binary.LittleEndian.Uint32(vm.mem[32:36]))
	require.Negative(t, result)

	_, err = invoke(t, r, "sol_memcmp_", vm, vm.addr(0), vm.addr(0), 4, vm.addr(32))
	require.NoError(t, err)
	require.Zero(t, binary.LittleEndian.Uint32(vm.mem[32:36]))
}

func TestSolAllocFree(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(8)

	ptr, err := invoke(t, r, "sol_alloc_free_", vm, 100, 0)
	require.NoError(t, err)
	require.Equal(t, sbpf.VaddrHeap+sbpf.HeapDefault, ptr)
	// 100 rounds up to 104.
	require.EqualValues(t, sbpf.HeapDefault+104, vm.heapSize)

	// Exhausting the heap returns null, not an error.
	ptr, err = invoke(t, r, "sol_alloc_free_", vm, sbpf.HeapMax, 0)
	require.NoError(t, err)
	require.Zero(t, ptr)
}

func TestAllocatorResetsBetweenRuns(t *testing.T) {
	// Re-running one instance must give the allocator a fresh heap:
	// an interpreted run followed by a compiled one has to hand out
	// the same addresses, or the two modes diverge.
	r := NewRegistry(&testContext{})
	program := &sbpf.Program{
		Text: []uint64{
			sbpf.Encode(sbpf.OpMov64Imm, 1, 0, 0, 64),
			sbpf.Encode(sbpf.OpMov64Imm, 2, 0, 0, 0),
			sbpf.Encode(sbpf.OpCall, 0, 0, 0, int32(Murmur3Hash("sol_alloc_free_"))),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		},
	}

	vm := sbpf.NewInstance(program, nil, sbpf.Opts{
		Meter:    meter.NewDisabled(),
		Syscalls: r.Lookup(),
	})

	want := sbpf.VaddrHeap + sbpf.HeapDefault
	for _, mode := range []sbpf.ExecutionMode{sbpf.ModeInterpreted, sbpf.ModeCompiled} {
		res, err := vm.Run(mode)
		require.NoError(t, err)
		require.Equal(t, sbpf.StatusHalted, res.Status)
		require.Equal(t, want, res.ExitCode, "%s: allocation moved between runs", mode)
	}
}

func TestSolSha256(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(256)

	// Two slices: "hello " and "world".
	copy(vm.mem[64:], "hello ")
	copy(vm.mem[80:], "world")
	binary.LittleEndian.PutUint64(vm.mem[0:8], vm.addr(64))
	binary.LittleEndian.PutUint64(vm.mem[8:16], 6)
	binary.LittleEndian.PutUint64(vm.mem[16:24], vm.addr(80))
	binary.LittleEndian.PutUint64(vm.mem[24:32], 5)

	ret, err := invoke(t, r, "sol_sha256", vm, vm.addr(0), 2, vm.addr(128))
	require.NoError(t, err)
	require.Zero(t, ret)

	want := sha256.Sum256([]byte("hello world"))
	require.Equal(t, want[:], vm.mem[128:160])
}

func TestReturnDataRoundTrip(t *testing.T) {
	ctx := &testContext{program: types.Pubkey{1, 2, 3}}
	r := NewRegistry(ctx)
	vm := newTestVM(128)
	copy(vm.mem[0:], "result bytes")

	_, err := invoke(t, r, "sol_set_return_data", vm, vm.addr(0), 12)
	require.NoError(t, err)
	require.Equal(t, ctx.program, ctx.retID)

	n, err := invoke(t, r, "sol_get_return_data", vm, vm.addr(32), 64, vm.addr(96))
	require.NoError(t, err)
	require.EqualValues(t, 12, n)
	require.Equal(t, []byte("result bytes"), vm.mem[32:44])
	require.Equal(t, ctx.program[:], vm.mem[96:128])
}

func TestSetReturnDataTooLarge(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(8)

	_, err := invoke(t, r, "sol_set_return_data", vm, vm.addr(0), MaxReturnData+1)
	require.ErrorIs(t, err, ErrMaxReturnData)
}

func TestAbort(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(8)

	_, err := invoke(t, r, "abort", vm)
	require.ErrorIs(t, err, ErrAborted)
}

func TestStackHeight(t *testing.T) {
	ctx := &testContext{height: 3}
	r := NewRegistry(ctx)
	vm := newTestVM(8)

	h, err := invoke(t, r, "sol_get_stack_height", vm)
	require.NoError(t, err)
	require.EqualValues(t, 3, h)
}

func TestSyscallMeterExhaustion(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(64)
	vm.mtr = meter.New(10) // below CULogBase

	_, err := invoke(t, r, "sol_log_", vm, vm.addr(0), 4)
	require.ErrorIs(t, err, meter.ErrBudgetExceeded)
	require.Empty(t, ctx.logs)
}

func TestCreateProgramAddressDeterminism(t *testing.T) {
	programID := types.MustPubkeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	seeds := [][]byte{[]byte("vault"), {7}}

	a, errA := CreateProgramAddress(seeds, programID)
	b, errB := CreateProgramAddress(seeds, programID)
	require.Equal(t, errA, errB)
	if errA == nil {
		require.Equal(t, a, b)
	}
}

func TestFindProgramAddress(t *testing.T) {
	programID := types.MustPubkeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	seeds := [][]byte{[]byte("state")}

	pda, bump, err := FindProgramAddress(seeds, programID, meter.NewDisabled())
	require.NoError(t, err)

	// The returned bump must reproduce the same address.
	check, err := CreateProgramAddress(append(seeds, []byte{bump}), programID)
	require.NoError(t, err)
	require.Equal(t, pda, check)
}

func TestCreateProgramAddressSeedLimits(t *testing.T) {
	programID := types.Pubkey{9}

	tooMany := make([][]byte, MaxSeeds+1)
	for i := range tooMany {
		tooMany[i] = []byte{byte(i)}
	}
	_, err := CreateProgramAddress(tooMany, programID)
	require.ErrorIs(t, err, ErrMaxSeedsExceeded)

	_, err = CreateProgramAddress([][]byte{make([]byte, MaxSeedLen+1)}, programID)
	require.ErrorIs(t, err, ErrMaxSeedLengthExceeded)
}

func TestInvokeSignedDispatch(t *testing.T) {
	target := types.Pubkey{0xAA}
	ctx := &invokerContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(512)

	// Instruction struct at 0: program ID ptr, accounts ptr, count,
	// data ptr, data len.
	copy(vm.mem[64:96], target[:])
	copy(vm.mem[128:], []byte{0xDE, 0xAD})
	binary.LittleEndian.PutUint64(vm.mem[0:8], vm.addr(64))
	binary.LittleEndian.PutUint64(vm.mem[8:16], 0)
	binary.LittleEndian.PutUint64(vm.mem[16:24], 0)
	binary.LittleEndian.PutUint64(vm.mem[24:32], vm.addr(128))
	binary.LittleEndian.PutUint64(vm.mem[32:40], 2)

	var gotData []byte
	ctx.invokeFn = func(programID types.Pubkey, accounts []AccountMeta, data []byte, seeds [][]byte) error {
		gotData = data
		return nil
	}

	ret, err := invoke(t, r, "sol_invoke_signed_c", vm, vm.addr(0), 0, 0, 0, 0)
	require.NoError(t, err)
	require.Zero(t, ret)
	require.Equal(t, []types.Pubkey{target}, ctx.invoked)
	require.Equal(t, []byte{0xDE, 0xAD}, gotData)
}

func TestInvokeSignedWithoutInvoker(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(64)

	ret, err := invoke(t, r, "sol_invoke_signed_c", vm, vm.addr(0), 0, 0, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, ret, "CPI without an invoker must fail softly")
}

func TestInvokeSignedDepthLimit(t *testing.T) {
	ctx := &invokerContext{}
	ctx.height = MaxCPIDepth
	r := NewRegistry(ctx)
	vm := newTestVM(64)

	_, err := invoke(t, r, "sol_invoke_signed_c", vm, vm.addr(0), 0, 0, 0, 0)
	require.ErrorIs(t, err, ErrCPIDepthExceeded)
}

func TestErrorOnOversizedMemOp(t *testing.T) {
	ctx := &testContext{}
	r := NewRegistry(ctx)
	vm := newTestVM(8)

	_, err := invoke(t, r, "sol_memcpy_", vm, vm.addr(0), vm.addr(0), MaxMemOpSize+1)
	require.ErrorIs(t, err, ErrInvalidLength)
}
