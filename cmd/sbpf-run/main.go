// sbpf-run: standalone runner for sBPF programs.
//
// Loads an ELF image from a file or from a program store, executes it
// with the interpreter, the compiled engine, or both, and prints the
// terminal status, instruction count, compute usage, and program logs.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fortiblox/sbpf/internal/types"
	"github.com/fortiblox/sbpf/pkg/loader"
	"github.com/fortiblox/sbpf/pkg/meter"
	"github.com/fortiblox/sbpf/pkg/progstore"
	"github.com/fortiblox/sbpf/pkg/runner"
	"github.com/fortiblox/sbpf/pkg/sbpf"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	elfPath     = flag.String("elf", "", "Path to an sBPF ELF image")
	storePath   = flag.String("store", "", "Path to a program store database")
	programStr  = flag.String("program", "", "Base58 program id (store mode)")
	putImage    = flag.Bool("put", false, "Store the -elf image under -program and exit")
	modeFlag    = flag.String("mode", "both", "Execution mode: interpreted, compiled, or both")
	budget      = flag.Uint64("budget", meter.BudgetDefault, "Compute unit budget")
	heapSize    = flag.Uint64("heap", 0, "Guest heap size in bytes (0 = default)")
	dataHex     = flag.String("data", "", "Instruction data, hex encoded")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// accountList collects repeated -account flags. Each value is hex
// account data, prefixed with "w:" for a writable account.
type accountList []*runner.Account

func (l *accountList) String() string {
	return fmt.Sprintf("%d accounts", len(*l))
}

func (l *accountList) Set(value string) error {
	writable := false
	if strings.HasPrefix(value, "w:") {
		writable = true
		value = value[2:]
	}
	data, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("account data is not hex: %w", err)
	}
	var key types.Pubkey
	key[0] = byte(len(*l) + 1)
	*l = append(*l, &runner.Account{Key: key, Data: data, Writable: writable})
	return nil
}

var accounts accountList

func main() {
	flag.Var(&accounts, "account", "Account data as hex, prefix with w: for writable (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sbpf-run %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *putImage {
		if err := storeImage(); err != nil {
			log.Fatalf("store image: %v", err)
		}
		return
	}

	data, err := hex.DecodeString(*dataHex)
	if err != nil {
		log.Fatalf("instruction data is not hex: %v", err)
	}

	exe, programID, cleanup, err := loadExecutable()
	if err != nil {
		log.Fatalf("load program: %v", err)
	}
	defer cleanup()

	modes, err := parseModes(*modeFlag)
	if err != nil {
		log.Fatal(err)
	}

	var results []*runner.Result
	for _, mode := range modes {
		res, err := runner.New(nil).ExecuteProgram(exe, programID, accounts, data, runner.Opts{
			Budget:   *budget,
			HeapSize: *heapSize,
			Mode:     mode,
		})
		if err != nil {
			log.Fatalf("execute (%s): %v", mode, err)
		}
		printResult(mode, res)
		results = append(results, res)
	}

	if len(results) == 2 {
		a, b := results[0], results[1]
		if a.Status != b.Status || a.ExitCode != b.ExitCode ||
			a.ComputeUsed != b.ComputeUsed || a.InstructionCount != b.InstructionCount {
			log.Fatal("engines disagree: interpreted and compiled runs diverged")
		}
		fmt.Println("engines agree")
	}

	if results[0].Status != sbpf.StatusHalted || results[0].ExitCode != 0 {
		os.Exit(1)
	}
}

func storeImage() error {
	if *elfPath == "" || *storePath == "" || *programStr == "" {
		return fmt.Errorf("-put requires -elf, -store, and -program")
	}
	image, err := os.ReadFile(*elfPath)
	if err != nil {
		return err
	}
	key, err := types.PubkeyFromBase58(*programStr)
	if err != nil {
		return fmt.Errorf("bad program id: %w", err)
	}
	// Reject broken images before they reach the store.
	if _, err := runner.LoadImage(image); err != nil {
		return fmt.Errorf("image rejected: %w", err)
	}

	store, err := progstore.Open(progstore.Config{Path: *storePath})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Put(key, image); err != nil {
		return err
	}
	log.Printf("Stored %d-byte image under %s", len(image), key)
	return nil
}

func loadExecutable() (*loader.Executable, types.Pubkey, func(), error) {
	noop := func() {}

	switch {
	case *elfPath != "":
		image, err := os.ReadFile(*elfPath)
		if err != nil {
			return nil, types.Pubkey{}, noop, err
		}
		exe, err := runner.LoadImage(image)
		if err != nil {
			return nil, types.Pubkey{}, noop, err
		}
		return exe, types.Pubkey{}, noop, nil

	case *storePath != "":
		if *programStr == "" {
			return nil, types.Pubkey{}, noop, fmt.Errorf("-store requires -program")
		}
		key, err := types.PubkeyFromBase58(*programStr)
		if err != nil {
			return nil, types.Pubkey{}, noop, fmt.Errorf("bad program id: %w", err)
		}
		store, err := progstore.Open(progstore.Config{Path: *storePath, ReadOnly: true})
		if err != nil {
			return nil, types.Pubkey{}, noop, err
		}
		image, err := store.GetImage(key)
		if err != nil {
			store.Close()
			return nil, types.Pubkey{}, noop, err
		}
		exe, err := runner.LoadImage(image)
		if err != nil {
			store.Close()
			return nil, types.Pubkey{}, noop, err
		}
		return exe, key, func() { store.Close() }, nil

	default:
		return nil, types.Pubkey{}, noop, fmt.Errorf("one of -elf or -store is required")
	}
}

func parseModes(s string) ([]sbpf.ExecutionMode, error) {
	switch s {
	case "interpreted":
		return []sbpf.ExecutionMode{sbpf.ModeInterpreted}, nil
	case "compiled":
		return []sbpf.ExecutionMode{sbpf.ModeCompiled}, nil
	case "both":
		return []sbpf.ExecutionMode{sbpf.ModeInterpreted, sbpf.ModeCompiled}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want interpreted, compiled, or both)", s)
	}
}

func printResult(mode sbpf.ExecutionMode, res *runner.Result) {
	fmt.Printf("== %s ==\n", mode)
	fmt.Printf("status:       %s\n", res.Status)
	if res.Status == sbpf.StatusHalted {
		fmt.Printf("exit code:    %d\n", res.ExitCode)
	}
	if res.Error != "" {
		fmt.Printf("error:        %s\n", res.Error)
	}
	fmt.Printf("instructions: %d\n", res.InstructionCount)
	fmt.Printf("compute used: %d\n", res.ComputeUsed)
	if len(res.ReturnData) > 0 {
		fmt.Printf("return data:  %x\n", res.ReturnData)
	}
	for _, entry := range res.Logs {
		fmt.Printf("log: %s\n", entry)
	}
	for _, key := range res.ModifiedAccounts {
		fmt.Printf("modified: %s\n", key)
	}
}
