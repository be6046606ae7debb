// Command kernel boots a YeKernel instance: it parses a YAML
// configuration, mounts (or formats) a YeFs disk image, builds the
// physical memory region and frame allocator, constructs and activates
// the kernel address space, puts the host terminal into raw mode so
// the firmware console sees unbuffered, unechoed bytes, prints a boot
// banner, lists the applications on the mounted filesystem, schedules
// initproc, and runs until the machine goes quiescent.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"yekernel/fs"
	"yekernel/internal/testelf"
	"yekernel/mem"
	"yekernel/proc"
	"yekernel/sbi"
	"yekernel/userland"
)

// Config is the YAML boot configuration: which disk image to mount (or
// format if it doesn't exist), how many inodes to reserve if formatting,
// whether to drive the console in raw terminal mode, the size of the
// simulated physical arena, and which programs initproc runs.
type Config struct {
	DiskImage  string   `yaml:"disk_image"`
	DiskBlocks uint32   `yaml:"disk_blocks"`
	InodeCount uint32   `yaml:"inode_count"`
	RawConsole bool     `yaml:"raw_console"`
	PhysPages  int      `yaml:"phys_pages"`
	InitRun    []string `yaml:"init_run"`
}

func defaultConfig() Config {
	return Config{
		DiskImage:  "yefs.img",
		DiskBlocks: 65536,
		InodeCount: 4096,
		RawConsole: false,
		PhysPages:  16384,
		InitRun:    []string{"hello"},
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("kernel: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("kernel: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	cfgPath := flag.String("config", "", "path to a YAML boot configuration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	shutdown := sbi.Shutdown(sbi.PowerOff)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logger.Error("boot config", "err", err)
		shutdown(1)
	}

	printBanner()

	if cfg.RawConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, rerr := term.MakeRaw(int(os.Stdin.Fd()))
		if rerr != nil {
			logger.Warn("raw console setup failed, falling back to cooked mode", "err", rerr)
		} else {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}
	con := sbi.NewHostConsole(os.Stdin, os.Stdout)

	yefs, err := mountOrFormat(cfg, logger)
	if err != nil {
		logger.Error("mount filesystem", "err", err)
		shutdown(1)
	}

	// A kernel panic past this point still flushes the filesystem
	// before the machine goes down.
	defer func() {
		if r := recover(); r != nil {
			printPanic(r)
			yefs.Sync()
			shutdown(1)
		}
	}()

	phys := mem.NewPhysMem(0, cfg.PhysPages)
	alloc := mem.NewFrameAllocator(phys)

	pr := proc.NewProcessor(alloc, phys, yefs, con)
	registerPrograms(pr, yefs, logger)

	timer := sbi.NewTimer(100)
	defer timer.Stop()
	go func() {
		for range timer.C() {
			pr.SuspendCurrent()
		}
	}()

	listApps(yefs, logger)

	logger.Info("booting initproc", "run", cfg.InitRun)
	if _, err := pr.Spawn(initImage, userland.Init, cfg.InitRun); err != nil {
		logger.Error("spawn initproc", "err", err)
		yefs.Sync()
		shutdown(1)
	}

	pr.Wait()
	logger.Info("kernel idle, shutting down")
	yefs.Sync()
	shutdown(0)
}

// initImage is the ELF image every spawned or exec'd program's address
// space is built from. Its machine code is never interpreted (see
// proc.Program); it only has to be a well-formed image so the real
// segment-mapping and argv layout paths run against something genuine.
var initImage = testelf.Build(0x10000, []byte{0x73, 0x00, 0x00, 0x00}) // ecall

// registerPrograms installs the userland stand-ins and makes sure each
// has a same-named file on the filesystem for exec to open.
func registerPrograms(pr *proc.Processor, yefs *fs.YeFs, logger *slog.Logger) {
	pr.Programs.Register("hello", userland.Hello)
	pr.Programs.Register("signal_demo", userland.SignalDemo)
	pr.Programs.Register("cat", userland.Cat)
	pr.Programs.Register("echo", userland.Echo)

	root := yefs.RootVNode()
	for _, name := range []string{"hello", "signal_demo", "cat", "echo"} {
		if _, err := root.Lookup(name); err == nil {
			continue
		}
		node, err := root.CreateFile(name)
		if err != nil {
			logger.Warn("seed app image", "name", name, "err", err)
			continue
		}
		if _, err := node.Inode.WriteMayGrow(0, initImage); err != nil {
			logger.Warn("write app image", "name", name, "err", err)
		}
	}
}

// listApps prints the root directory, the boot-time "app list" a real
// kernel would enumerate from its loader.
func listApps(yefs *fs.YeFs, logger *slog.Logger) {
	entries, err := yefs.RootVNode().Entries()
	if err != nil {
		logger.Warn("list apps", "err", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	logger.Info("apps", "root", strings.Join(names, " "))
}

// mountOrFormat mounts cfg.DiskImage if the file already exists, or
// creates and formats a fresh one otherwise. An existing file is not
// checked first: fs.Mount panics if it is not a YeFs image.
func mountOrFormat(cfg Config, logger *slog.Logger) (*fs.YeFs, error) {
	if _, err := os.Stat(cfg.DiskImage); err == nil {
		logger.Info("mounting existing image", "path", cfg.DiskImage)
		dev, derr := fs.OpenFileBlockDevice(cfg.DiskImage, cfg.DiskBlocks)
		if derr != nil {
			return nil, derr
		}
		return fs.Mount(dev), nil
	}
	logger.Info("formatting new image", "path", cfg.DiskImage, "inodes", cfg.InodeCount)
	dev, err := fs.OpenFileBlockDevice(cfg.DiskImage, cfg.DiskBlocks)
	if err != nil {
		return nil, err
	}
	return fs.Format(dev, cfg.InodeCount)
}

func printBanner() {
	bold := ansi.Style{}.Bold()
	fmt.Println(bold.Styled("YeKernel") + " booting")
}

func printPanic(r interface{}) {
	red := ansi.Style{}.ForegroundColor(ansi.BrightRed).Bold()
	fmt.Fprintln(os.Stderr, red.Styled(fmt.Sprintf("KERNEL PANIC: %v", r)))
}
