// Command memcorectl boots the memory core from a TOML scenario file and
// replays a scripted sequence of allocator operations against it, printing
// a logrus-formatted report. It is the Go equivalent of the original
// kernel's hand-written test/hosted/main-*.c drivers: ambient tooling for
// manual exploration, not a production entry point.
package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/jmtk-go/memcore/internal/cow"
	"github.com/jmtk-go/memcore/internal/kmalloc"
	"github.com/jmtk-go/memcore/internal/mem"
	"github.com/jmtk-go/memcore/internal/pmm"
	"github.com/jmtk-go/memcore/internal/stage"
	"github.com/jmtk-go/memcore/internal/vmm"
	"github.com/jmtk-go/memcore/internal/vmspace"
)

func main() {
	path := flag.String("scenario", "", "path to a TOML scenario file")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if *path == "" {
		log.Fatal("memcorectl: -scenario is required")
	}

	s, err := loadScenario(*path)
	if err != nil {
		log.WithError(err).Fatal("memcorectl: failed to load scenario")
	}

	if err := run(log, s); err != nil {
		log.WithError(err).Fatal("memcorectl: scenario failed")
	}
}

func run(log *logrus.Logger, s *Scenario) error {
	stg := stage.New()
	early := pmm.NewEarly(stg)
	early.Seed([]mem.Range_t{{Start: 0, Extent: s.Memory.Extent}})

	full := pmm.NewFull(stg, log.WriterLevel(logrus.DebugLevel))
	kernelImage := mem.Range_t{Start: mem.Pa_t(s.Memory.KernelImageStart), Extent: s.Memory.KernelImageExtent}
	if err := full.InitFull(early, s.Memory.Extent, kernelImage); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"extent":       s.Memory.Extent,
		"kernel_image": kernelImage,
	}).Info("pmm: full initialised")

	vm := vmm.New(stg, early, full, cow.New())
	space, err := vm.NewSpace()
	if err != nil {
		return err
	}
	vs, err := vmspace.Init(vm, space, full, mem.Va_t(s.Vmspace.Start), s.Vmspace.Size)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"start":  s.Vmspace.Start,
		"usable": vs.UsableSize(),
	}).Info("vmspace: initialised")

	km := kmalloc.New(vm, space, vs)

	pages := make(map[string]mem.Pa_t)
	objs := make(map[string]mem.Va_t)

	for i, op := range s.Ops {
		entry := log.WithField("op", i).WithField("kind", op.Kind)
		switch op.Kind {
		case "alloc_page":
			class, err := parseClass(op.Class)
			if err != nil {
				return err
			}
			p, ok := full.AllocPage(class)
			if !ok {
				entry.Warn("alloc_page: exhausted")
				continue
			}
			if op.Ref != "" {
				pages[op.Ref] = p
			}
			entry.WithField("phys", p).Info("alloc_page: ok")

		case "free_page":
			p, ok := pages[op.Of]
			if !ok {
				entry.Fatalf("free_page: unknown ref %q", op.Of)
			}
			full.FreePage(p)
			delete(pages, op.Of)
			entry.WithField("phys", p).Info("free_page: ok")

		case "kmalloc":
			v, err := km.Alloc(op.Size)
			if err != nil {
				entry.WithError(err).Warn("kmalloc: failed")
				continue
			}
			if op.Ref != "" {
				objs[op.Ref] = v
			}
			entry.WithField("addr", v).Info("kmalloc: ok")

		case "kfree":
			v, ok := objs[op.Of]
			if !ok {
				entry.Fatalf("kfree: unknown ref %q", op.Of)
			}
			km.Free(v)
			delete(objs, op.Of)
			entry.WithField("addr", v).Info("kfree: ok")

		default:
			entry.Fatalf("unknown op kind %q", op.Kind)
		}
	}

	log.WithFields(logrus.Fields{
		"pages_outstanding": len(pages),
		"objects_outstanding": len(objs),
	}).Info("scenario: complete")
	return nil
}

func parseClass(s string) (pmm.Class_t, error) {
	switch s {
	case "UNDER1MB":
		return pmm.UNDER1MB, nil
	case "UNDER4GB":
		return pmm.UNDER4GB, nil
	case "NONE", "":
		return pmm.NONE, nil
	default:
		return 0, errInvalidClass(s)
	}
}

type errInvalidClass string

func (e errInvalidClass) Error() string { return "memcorectl: invalid class " + string(e) }
