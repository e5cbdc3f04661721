// tiervm runs a guest image through the tiered execution engine and
// reports how work split between the interpreter and the JIT tier.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero-sub037/internal/x86"
	"github.com/wilsonzlin/aero-sub037/internal/x86/exec"
	"github.com/wilsonzlin/aero-sub037/internal/x86/jit"
	"github.com/wilsonzlin/aero-sub037/internal/x86/tier0"
	"github.com/wilsonzlin/aero-sub037/internal/x86/tier1"
)

type config struct {
	RAMSize   uint64     `yaml:"ram_size"`
	MaxBlocks uint64     `yaml:"max_blocks"`
	Jit       jit.Config `yaml:"jit"`
}

func defaultCLIConfig() config {
	return config{
		RAMSize:   1 << 20,
		MaxBlocks: 1_000_000,
		Jit:       jit.DefaultConfig(),
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultCLIConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// consolePorts echoes OUT to port 0xE9 (the classic debug console port).
type consolePorts struct{}

func (consolePorts) In(port uint16, size int) uint32 { return 0 }

func (consolePorts) Out(port uint16, size int, value uint32) {
	if port == 0xE9 {
		fmt.Printf("%c", byte(value))
	}
}

// demoImage is a counted loop with a self-modifying tail, assembled for
// entry 0x100: hot enough to be promoted to the JIT tier, and it patches
// its own code so the invalidation path is visible in the stats.
func demoImage() []byte {
	return []byte{
		// 0x100: mov cx, 2000; mov ax, 0
		0xB9, 0xD0, 0x07,
		0xB8, 0x00, 0x00,
		// 0x106: loop: inc ax; dec cx; jnz loop
		0x40,
		0x49,
		0x75, 0xFC,
		// 0x10A: patch the loop body's INC into a NOP, arm the exit, and
		// run the loop again through the patched page.
		0xC6, 0x06, 0x06, 0x01, 0x90, // mov byte [0x106], 0x90
		0xC6, 0x06, 0x0A, 0x01, 0xF4, // mov byte [0x10A], 0xF4 (HLT)
		0xB9, 0x40, 0x00, // mov cx, 64
		0xEB, 0xED, // jmp 0x106
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	imagePath := fs.String("image", "", "Flat guest image (default: builtin demo)")
	entry := fs.Uint64("entry", 0x100, "Guest entry address")
	verbose := fs.Bool("v", false, "Debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	image := demoImage()
	if *imagePath != "" {
		image, err = os.ReadFile(*imagePath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
	}

	bus := x86.NewBus(cfg.RAMSize)
	bus.Ports = consolePorts{}
	if err := bus.LoadBytes(*entry, image); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	backend := tier1.NewBackend()
	queue := jit.NewCompileQueue()
	rt, err := jit.NewRuntime(cfg.Jit, backend, queue)
	if err != nil {
		return err
	}

	dispatcher := exec.NewDispatcher(tier0.New(1000), rt)
	vcpu := exec.NewVcpu(bus, dispatcher)
	vcpu.CPU.RIP = *entry
	vcpu.CPU.GPR[x86.RegSP] = cfg.RAMSize

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	compiler := tier1.NewCompiler(backend, tier1.DefaultLimits)
	worker := jit.NewCompileWorker(queue, compiler, 16)
	worker.Start(ctx)
	vcpu.Installs = worker.Handles()
	vcpu.OnEvicted = backend.Free

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(cfg.MaxBlocks), "executing")
	}

	var res exec.RunResult
	for {
		slice := vcpu.RunBlocks(4096)
		res.ExecutedBlocks += slice.ExecutedBlocks
		res.InterpBlocks += slice.InterpBlocks
		res.JitBlocks += slice.JitBlocks
		res.Interrupts += slice.Interrupts
		res.Kind = slice.Kind
		res.Err = slice.Err
		if bar != nil {
			_ = bar.Set64(int64(res.ExecutedBlocks))
		}
		if slice.Kind != exec.RunCompleted || res.ExecutedBlocks >= cfg.MaxBlocks {
			break
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	cancel()
	_ = worker.Wait()

	stats := rt.Stats()
	fmt.Printf("\nblocks executed: %d (interpreter %d, jit %d), interrupts %d\n",
		res.ExecutedBlocks, res.InterpBlocks, res.JitBlocks, res.Interrupts)
	fmt.Printf("tsc=%d retired=%d rip=0x%x halted=%v\n",
		vcpu.CPU.TSC, vcpu.CPU.Retired, vcpu.CPU.RIP, vcpu.CPU.Halted)
	fmt.Printf("cache: %d blocks / %d bytes; installs %d accepted, %d rejected; invalidated %d; rollbacks %d\n",
		rt.CacheLen(), rt.CacheBytes(), stats.InstallsAccepted, stats.InstallsRejected,
		stats.Invalidated, stats.JitRollbacks)

	switch res.Kind {
	case exec.RunHalted:
		slog.Info("tiervm: guest halted")
	case exec.RunException:
		return fmt.Errorf("guest exception: %w", res.Err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tiervm: %v\n", err)
		os.Exit(1)
	}
}
