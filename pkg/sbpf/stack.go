package sbpf

// frame records what Pop needs to restore: the caller's r10, its
// callee-saved r6-r9, and where execution resumes.
type frame struct {
	fp    uint64
	saved [4]uint64
	ret   int64
}

// Stack is the guest call stack. Frame data lives in one flat buffer;
// the virtual address space additionally carries a guard gap after each
// frame, which GetFrame reports as unmapped.
type Stack struct {
	mem    []byte
	frames []frame
}

func NewStack() *Stack {
	return &Stack{
		mem:    make([]byte, StackFrameSize*StackDepth),
		frames: make([]frame, 0, StackDepth),
	}
}

// Push saves the caller state and moves r10 to the next frame. Fails
// once StackDepth frames are live.
func (s *Stack) Push(regs []uint64, retAddr int64) error {
	if len(s.frames) >= StackDepth {
		return ErrCallDepthExceeded
	}

	f := frame{fp: regs[10], ret: retAddr}
	copy(f.saved[:], regs[6:10])
	s.frames = append(s.frames, f)

	regs[10] += StackFrameSize + StackGap

	return nil
}

// Pop restores the most recent frame and returns its return address.
// The second result is false on an empty stack (top-level exit).
func (s *Stack) Pop(regs []uint64) (int64, bool) {
	n := len(s.frames)
	if n == 0 {
		return 0, false
	}
	f := s.frames[n-1]
	s.frames = s.frames[:n-1]

	copy(regs[6:10], f.saved[:])
	regs[10] = f.fp

	return f.ret, true
}

// GetFrame maps a stack-region offset to backing memory, or nil for
// addresses inside a guard gap or past the last frame.
func (s *Stack) GetFrame(addr uint32) []byte {
	idx := addr / (StackFrameSize + StackGap)
	off := addr % (StackFrameSize + StackGap)
	if off >= StackFrameSize {
		return nil
	}
	base := idx * StackFrameSize
	if int(base+off) >= len(s.mem) {
		return nil
	}
	return s.mem[base+off:]
}

// Depth is the number of live frames.
func (s *Stack) Depth() int {
	return len(s.frames)
}
