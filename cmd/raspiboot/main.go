// Command raspiboot boots a kernel ELF on a hosted Raspberry Pi 3/4 class
// machine and reports the environment the kernel was entered with.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/raspiboot"
	"github.com/tinyrange/raspiboot/internal/devices/bcm"
)

// Config is the on-disk machine description.
type Config struct {
	Version  int    `yaml:"version"`
	Board    string `yaml:"board,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	Kernel   string `yaml:"kernel,omitempty"`
	DTB      string `yaml:"dtb,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Board == "" {
		c.Board = bcm.Pi4.Name
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 1024
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.normalize()
	return cfg, nil
}

// consoleWriter strips escape sequences from guest output when stdout is
// not a terminal, so logs stay readable when redirected.
type consoleWriter struct {
	w     io.Writer
	plain bool
}

func (c *consoleWriter) Write(p []byte) (int, error) {
	if c.plain {
		if _, err := c.w.Write([]byte(ansi.Strip(string(p)))); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return c.w.Write(p)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "raspiboot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "machine config YAML")
		kernelPath = flag.String("kernel", "", "kernel ELF image")
		dtbPath    = flag.String("dtb", "", "device tree blob (synthesized when empty)")
		boardName  = flag.String("board", "", "board: raspi3 or raspi4")
		memoryMB   = flag.Uint64("memory", 0, "RAM size in MiB")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *kernelPath != "" {
		cfg.Kernel = *kernelPath
	}
	if *dtbPath != "" {
		cfg.DTB = *dtbPath
	}
	if *boardName != "" {
		cfg.Board = *boardName
	}
	if *memoryMB != 0 {
		cfg.MemoryMB = *memoryMB
	}
	if cfg.Kernel == "" {
		return errors.New("no kernel image (use -kernel or the config file)")
	}

	var board bcm.Board
	switch cfg.Board {
	case bcm.Pi3.Name:
		board = bcm.Pi3
	case bcm.Pi4.Name:
		board = bcm.Pi4
	default:
		return fmt.Errorf("unknown board %q", cfg.Board)
	}

	kernel, err := readKernel(cfg.Kernel)
	if err != nil {
		return err
	}

	var dtb []byte
	if cfg.DTB != "" {
		dtb, err = os.ReadFile(cfg.DTB)
		if err != nil {
			return fmt.Errorf("read dtb: %w", err)
		}
	}

	console := &consoleWriter{w: os.Stdout, plain: !term.IsTerminal(int(os.Stdout.Fd()))}

	inst, err := raspiboot.Run(raspiboot.Options{
		Board:         board,
		MemorySize:    cfg.MemoryMB << 20,
		Kernel:        kernel,
		DTB:           dtb,
		ConsoleOutput: console,
	})
	if err != nil {
		return err
	}

	printHandoff(os.Stdout, inst)
	return nil
}

// readKernel loads the ELF with transfer feedback, since images can be
// tens of megabytes.
func readKernel(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat kernel: %w", err)
	}

	pb := progressbar.DefaultBytes(info.Size(), "loading kernel")
	defer pb.Close()

	data, err := io.ReadAll(io.TeeReader(f, pb))
	if err != nil {
		return nil, fmt.Errorf("read kernel: %w", err)
	}
	return data, nil
}

func printHandoff(w io.Writer, inst *raspiboot.Instance) {
	h := inst.Handoff
	fmt.Fprintf(w, "\nboard:            %s\n", inst.Board.Name)
	fmt.Fprintf(w, "entry point:      %#x\n", h.EntryPhys)
	fmt.Fprintf(w, "ttbr0 root:       %#x\n", h.TTBR0Root)
	fmt.Fprintf(w, "ttbr1 root:       %#x\n", h.TTBR1Root)
	fmt.Fprintf(w, "linear map:       %#x\n", h.LinearMapStart)
	fmt.Fprintf(w, "end of kernel:    %#x\n", h.KernelVirtEnd)
	fmt.Fprintf(w, "inherited map:    %#x\n", h.MemoryMapVirt)
	for i, top := range h.StacksVirtTop {
		label := fmt.Sprintf("core %d stack:", i)
		fmt.Fprintf(w, "%s%s%#x\n", label, pad(label, 18), top)
	}
}

// pad right-fills a label to a column using the display width, which keeps
// the table straight even if labels ever carry escape sequences.
func pad(s string, col int) string {
	width := ansi.StringWidth(s)
	if width >= col {
		return " "
	}
	out := make([]byte, col-width)
	for i := range out {
		out[i] = ' '
	}
	return string(out)
}
