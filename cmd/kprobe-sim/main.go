// kprobe-sim installs probes into a hosted RV64 text image and drives
// them through full trap cycles on the emulated CPU, demonstrating the
// break -> pre -> single-step -> debug -> post -> resume protocol
// without real hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/DragonOS-Community/go-kprobe"
	"github.com/DragonOS-Community/go-kprobe/arch/riscv"
	"github.com/DragonOS-Community/go-kprobe/config"
	"github.com/DragonOS-Community/go-kprobe/dispatch"
	"github.com/DragonOS-Community/go-kprobe/internal/emu"
	"github.com/DragonOS-Community/go-kprobe/logging"
	"github.com/DragonOS-Community/go-kprobe/manager"
	"github.com/DragonOS-Community/go-kprobe/metrics"
)

// Demo program, loaded at codeBase:
//
//	c.li  a0, 5        ; a0 = 5
//	addi  a0, a0, 7    ; a0 = 12   <- probed
//	c.mv  a1, a0       ; a1 = a0
const (
	codeBase  = 0x100
	probeAddr = codeBase + 2 // the addi
	haltAddr  = codeBase + 8
)

var program = []byte{
	0x15, 0x45, // c.li a0, 5
	0x13, 0x05, 0x75, 0x00, // addi a0, a0, 7
	0xaa, 0x85, // c.mv a1, a0
}

var (
	preHits  atomic.Uint64
	postHits atomic.Uint64
)

// Handlers are top-level functions on purpose: trap-context callbacks
// must not capture state that can die under them.
func countPre(kprobe.ProbeArgs) { preHits.Add(1) }

func countPost(kprobe.ProbeArgs) { postHits.Add(1) }

func run() error {
	logSpec := flag.String("log", "", "log spec, e.g. \"info,dispatch=trace\" (overrides "+logging.EnvVar+")")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	cycles := flag.Int("cycles", 1, "number of times to run the probed program")
	flag.Parse()

	format, err := logging.ParseFormat(*logFormat)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		EnvSpec: os.Getenv(logging.EnvVar),
		CLISpec: *logSpec,
		Format:  format,
	})
	if err != nil {
		return err
	}

	img, pool, err := config.DefaultLayout().Materialize()
	if err != nil {
		return err
	}
	if _, err := img.WriteAt(program, codeBase); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)

	engine := riscv.NewEngine(pool)
	mgr := manager.New(engine, img, logger, mets)
	disp := dispatch.New(mgr, logger, mets)

	probe, err := mgr.Register(kprobe.NewBuilder().
		Symbol("demo_add").
		SymbolAddr(codeBase).
		Offset(probeAddr - codeBase).
		PreHandler(countPre).
		PostHandler(countPost))
	if err != nil {
		return err
	}

	for i := 0; i < *cycles; i++ {
		cpu := emu.New(img, disp)
		cpu.PC = codeBase
		if err := cpu.RunUntil(haltAddr, 1000); err != nil {
			return err
		}
		fmt.Printf("cycle %d: a0=%d a1=%d pre_hits=%d post_hits=%d\n",
			i+1, cpu.X[10], cpu.X[11], preHits.Load(), postHits.Load())
	}

	if err := mgr.Unregister(probe); err != nil {
		return err
	}

	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			fmt.Printf("%s%s %v\n", fam.GetName(), labelString(m.GetLabel()), m.GetCounter().GetValue())
		}
	}
	return nil
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	s := "{"
	for i, l := range labels {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return s + "}"
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kprobe-sim: %v\n", err)
		os.Exit(1)
	}
}
