package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/jmtk-go/memcore/internal/slab"
)

// Scenario describes a hosted boot: a firmware memory map plus a scripted
// sequence of allocator operations to replay against the core, the Go
// analogue of the original kernel's hand-written test/hosted/main-*.c
// drivers.
type Scenario struct {
	Memory struct {
		Extent            uint64 `toml:"extent"`
		KernelImageStart  uint64 `toml:"kernel_image_start"`
		KernelImageExtent uint64 `toml:"kernel_image_extent"`
	} `toml:"memory"`

	Vmspace struct {
		Start uint64 `toml:"start"`
		Size  uint64 `toml:"size"`
	} `toml:"vmspace"`

	Ops []Op `toml:"ops"`
}

// Op is one scripted step: "alloc_page", "free_page", "kmalloc", or
// "kfree". Not every field applies to every kind.
type Op struct {
	Kind  string `toml:"kind"`
	Class string `toml:"class"` // for alloc_page: UNDER1MB, UNDER4GB, NONE
	Size  uint64 `toml:"size"`  // for kmalloc
	Ref   string `toml:"ref"`   // names the result for later free_page/kfree ops
	Of    string `toml:"of"`    // the ref a free_page/kfree op releases
}

func loadScenario(path string) (*Scenario, error) {
	var s Scenario
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if s.Memory.Extent == 0 {
		return nil, fmt.Errorf("scenario: memory.extent must be set")
	}
	if s.Vmspace.Size == 0 {
		return nil, fmt.Errorf("scenario: vmspace.size must be set")
	}
	if s.Vmspace.Start%uint64(slab.ChunkSize) != 0 {
		return nil, fmt.Errorf("scenario: vmspace.start (%#x) must be aligned to %#x", s.Vmspace.Start, slab.ChunkSize)
	}
	return &s, nil
}
