package sbpf

import (
	"errors"
	"testing"
)

func TestVerify(t *testing.T) {
	const syscallHash = 0x778812AA
	resolve := func(hash uint32) bool { return hash == syscallHash }

	tests := []struct {
		name    string
		text    []uint64
		entry   uint64
		funcs   map[uint32]uint64
		wantErr bool
	}{
		{
			name: "valid program",
			text: []uint64{
				Encode(OpMov64Imm, 0, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
			},
		},
		{
			name:    "empty text",
			text:    nil,
			wantErr: true,
		},
		{
			name: "entry out of bounds",
			text: []uint64{
				Encode(OpExit, 0, 0, 0, 0),
			},
			entry:   5,
			wantErr: true,
		},
		{
			name: "unknown opcode",
			text: []uint64{
				Encode(0xFF, 0, 0, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "invalid register index",
			text: []uint64{
				Encode(OpMov64Imm, 12, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "write to frame pointer",
			text: []uint64{
				Encode(OpMov64Imm, 10, 0, 0, 1),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "store through frame pointer allowed",
			text: []uint64{
				Encode(OpMov64Imm, 1, 0, 0, 1),
				Encode(OpStxdw, 10, 1, -8, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
		},
		{
			name: "branch out of bounds",
			text: []uint64{
				Encode(OpJa, 0, 0, 10, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "branch before text",
			text: []uint64{
				Encode(OpJa, 0, 0, -5, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "branch into lddw second slot",
			text: []uint64{
				Encode(OpJa, 0, 0, 1, 0), // target 2: high slot of lddw
				Encode(OpLddw, 0, 0, 0, 1),
				Encode(0, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "truncated lddw",
			text: []uint64{
				Encode(OpLddw, 0, 0, 0, 1),
			},
			wantErr: true,
		},
		{
			name: "entry inside lddw",
			text: []uint64{
				Encode(OpLddw, 0, 0, 0, 1),
				Encode(0, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			},
			entry:   1,
			wantErr: true,
		},
		{
			name: "division by zero immediate",
			text: []uint64{
				Encode(OpDiv64Imm, 0, 0, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "modulo by zero immediate",
			text: []uint64{
				Encode(OpMod32Imm, 0, 0, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "shift immediate out of range",
			text: []uint64{
				Encode(OpLsh64Imm, 0, 0, 0, 64),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "shift32 immediate out of range",
			text: []uint64{
				Encode(OpLsh32Imm, 0, 0, 0, 32),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "resolved syscall",
			text: []uint64{
				Encode(OpCall, 0, 0, 0, syscallHash),
				Encode(OpExit, 0, 0, 0, 0),
			},
		},
		{
			name: "unresolved call",
			text: []uint64{
				Encode(OpCall, 0, 0, 0, 0x01020304),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
		{
			name: "internal call via function registry",
			text: []uint64{
				Encode(OpCall, 0, 0, 0, 0x1111),
				Encode(OpExit, 0, 0, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
			funcs: map[uint32]uint64{0x1111: 2},
		},
		{
			name: "function entry inside lddw",
			text: []uint64{
				Encode(OpExit, 0, 0, 0, 0),
				Encode(OpLddw, 0, 0, 0, 1),
				Encode(0, 0, 0, 0, 2),
				Encode(OpExit, 0, 0, 0, 0),
			},
			funcs:   map[uint32]uint64{0x2222: 2},
			wantErr: true,
		},
		{
			name: "relative call in range",
			text: []uint64{
				Encode(OpCall, 0, 1, 0, 1), // target 2
				Encode(OpExit, 0, 0, 0, 0),
				Encode(OpExit, 0, 0, 0, 0),
			},
		},
		{
			name: "relative call out of range",
			text: []uint64{
				Encode(OpCall, 0, 1, 0, 100),
				Encode(OpExit, 0, 0, 0, 0),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := &Program{
				Text:      tt.text,
				Entry:     tt.entry,
				Functions: tt.funcs,
			}
			err := prog.Verify(resolve)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Verify() = nil, want error")
				}
				if !errors.Is(err, ErrVerification) {
					t.Errorf("Verify() = %v, want ErrVerification", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() failed: %v", err)
			}
		})
	}
}

func TestVerifyNilResolve(t *testing.T) {
	prog := &Program{
		Text: []uint64{
			Encode(OpCall, 0, 0, 0, 0x11223344),
			Encode(OpExit, 0, 0, 0, 0),
		},
	}
	if err := prog.Verify(nil); !errors.Is(err, ErrVerification) {
		t.Errorf("Verify(nil) = %v, want ErrVerification", err)
	}
}
