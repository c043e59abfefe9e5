package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

const versionString = "liboffsetfinder64 1.0.0"

// VerboseMode gates debug tracing to stderr across the package.
var VerboseMode bool

// patcherSpec names one named transformation the CLI can run.
type patcherSpec struct {
	name string
	run  func(img *Image) ([]Patch, error)
}

func patcherTable(bootArgs, cmdName string, cmdPtr uint64) []patcherSpec {
	return []patcherSpec{
		{"boot-args", func(img *Image) ([]Patch, error) { return img.GetBootArgPatch(bootArgs) }},
		{"debug-enabled", func(img *Image) ([]Patch, error) { return img.GetDebugEnabledPatch() }},
		{"sigcheck", func(img *Image) ([]Patch, error) { return img.GetSigcheckPatch() }},
		{"demotion", func(img *Image) ([]Patch, error) { return img.GetDemotionPatch() }},
		{"cmd-handler", func(img *Image) ([]Patch, error) { return img.GetCmdHandlerPatch(cmdName, cmdPtr) }},
		{"bgcolor-memcpy", func(img *Image) ([]Patch, error) { return img.ReplaceBgcolorWithMemcpy() }},
		{"ra1nra1n", func(img *Image) ([]Patch, error) { return img.GetRa1nra1nPatch() }},
		{"unlock-nvram", func(img *Image) ([]Patch, error) { return img.GetUnlockNvramPatch() }},
		{"nvram-nosave", func(img *Image) ([]Patch, error) { return img.GetNvramNosavePatch() }},
		{"nvram-noremove", func(img *Image) ([]Patch, error) { return img.GetNvramNoremovePatch() }},
		{"fresh-nonce", func(img *Image) ([]Patch, error) { return img.GetFreshnoncePatch() }},
		{"readback-loadaddr", func(img *Image) ([]Patch, error) { return img.GetReadbackLoadaddrPatch() }},
		{"memload", func(img *Image) ([]Patch, error) { return img.GetMemloadPatch() }},
	}
}

func patcherNames(specs []patcherSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.name
	}
	sort.Strings(names)
	return names
}

func usage() {
	fmt.Fprintf(os.Stderr, "%s - static patch finder for Apple iBoot (AArch64)\n\n", versionString)
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image>\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		outputFlag     = flag.String("o", "", "write a patched copy of the image to this path")
		outputLongFlag = flag.String("output", "", "write a patched copy of the image to this path")
		patchersFlag   = flag.String("patch", "all", "comma-separated list of patchers to run, or \"all\"")
		listFlag       = flag.Bool("list", false, "list available patcher names and exit")
		bootArgsFlag   = flag.String("boot-args", "", "boot-args string for the boot-args patcher")
		cmdFlag        = flag.String("cmd", "", "command name for the cmd-handler patcher")
		cmdPtrFlag     = flag.String("cmd-ptr", "0", "replacement handler pointer (hex or decimal) for the cmd-handler patcher")
		verboseFlag    = flag.Bool("v", false, "verbose mode (trace each patcher's locate steps)")
		verboseLong    = flag.Bool("verbose", false, "verbose mode (trace each patcher's locate steps)")
		versionFlag    = flag.Bool("version", false, "print version information and exit")
	)
	flag.Usage = usage
	flag.Parse()

	VerboseMode = *verboseFlag || *verboseLong

	if *versionFlag {
		fmt.Println(versionString)
		return
	}

	all := patcherTable(*bootArgsFlag, *cmdFlag, parseCmdPtr(*cmdPtrFlag))
	if *listFlag {
		for _, name := range patcherNames(all) {
			fmt.Println(name)
		}
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}

	img, err := OpenImage(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "iBoot-%d stage1=%v stage2=%v dev=%v chipid=%d base=%#x\n",
			img.Vers, img.Stage1, img.Stage2, img.Dev, img.ChipID, img.Base())
	}

	selected := selectPatchers(all, *patchersFlag)
	var patches []Patch
	for _, p := range selected {
		found, err := p.run(img)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: skipped (%v)\n", p.name, err)
			continue
		}
		if VerboseMode {
			fmt.Fprintf(os.Stderr, "%s: %d patch(es)\n", p.name, len(found))
			for _, pt := range found {
				fmt.Fprintf(os.Stderr, "  %s\n", pt)
			}
		}
		patches = append(patches, found...)
	}

	out := *outputFlag
	if out == "" {
		out = *outputLongFlag
	}
	if out == "" {
		return
	}
	if err := writePatchedImage(img, patches, out); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func selectPatchers(all []patcherSpec, spec string) []patcherSpec {
	if spec == "all" || spec == "" {
		return all
	}
	want := make(map[string]bool)
	for _, name := range strings.Split(spec, ",") {
		want[strings.TrimSpace(name)] = true
	}
	var out []patcherSpec
	for _, p := range all {
		if want[p.name] {
			out = append(out, p)
		}
	}
	return out
}

func parseCmdPtr(s string) uint64 {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		v, _ = strconv.ParseUint(s, 10, 64)
	}
	return v
}

// writePatchedImage applies patches to a copy of the image's buffer and
// writes the result to path.
func writePatchedImage(img *Image, patches []Patch, path string) error {
	buf := append([]byte{}, img.ByteImage().Bytes()...)
	base := img.Base()
	for _, p := range patches {
		off := int(p.VA - base)
		if off < 0 || off+len(p.Bytes) > len(buf) {
			return fmt.Errorf("patch at %#x: %w", p.VA, ErrOutOfBounds)
		}
		copy(buf[off:], p.Bytes)
	}
	return os.WriteFile(path, buf, 0o644)
}
