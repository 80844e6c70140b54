// Package boot implements the kernel's entry sequence: bring up the
// address space and physical memory collaborators, load every boot
// module as an init process, and hand control to the scheduler. It plays
// the role kmain plays in the original kernel, with the multiboot module
// list replaced by a directory of ELF files the harness scans ahead of
// time.
package boot

import (
	"github.com/pkg/errors"

	"github.com/carverh/dennix/fs"
	"github.com/carverh/dennix/kernel"
	"github.com/carverh/dennix/loader"
	"github.com/carverh/dennix/log"
	"github.com/carverh/dennix/memory"
)

// moduleDescriptorSize stands in for sizeof(multiboot_mod_list): two
// addresses, a string pointer and a reserved word.
const moduleDescriptorSize = 16

// maxModulesPerPage bounds how many module descriptors the module list
// mapping can hold, mirroring the original kernel's single-page module
// list limitation: startProcesses maps only the first page of the module
// list and never revisits that decision. This port keeps the limitation
// rather than fixing it.
const maxModulesPerPage = memory.PageSize / moduleDescriptorSize

// Module is one boot module: an ELF image to load as an init process,
// named the way the (simulated) multiboot module list names it.
type Module struct {
	Name string
	Data []byte
}

// Result is everything Run hands back once boot has completed: the
// process manager, ready to be driven by the scheduler, and the
// processes created from the module list, in the order they were loaded.
type Result struct {
	Manager   *kernel.ProcessManager
	Processes []*kernel.Process
}

// Run executes the boot sequence: initialize the address space and
// physical memory collaborators, load every module as an init process,
// and initialize the process table. It does not start the scheduler or
// enter the idle loop; the caller decides how to drive those, since a
// test driving one scheduler tick looks nothing like a real idle-halt
// loop.
func Run(modules []Module) (*Result, error) {
	log.L.Info("hello world")

	phys := memory.NewPhysicalMemory()
	kernelAS := memory.New(phys)
	log.L.Info("address space initialized")

	log.L.Info("physical memory initialized")

	if len(modules) > maxModulesPerPage {
		log.L.Warn("module list spans more than one page, truncating",
			"count", len(modules), "max", maxModulesPerPage)
		modules = modules[:maxModulesPerPage]
	}

	cache := loader.NewLoaderCache(maxModulesPerPage)
	ld := loader.NewLoader(cache)

	terminal := fs.NewFileNode(nil)
	mgr := kernel.NewProcessManager(kernelAS, phys, ld, terminal)

	rootNode := fs.NewFileNode(nil)
	root := fs.NewFileHandle(rootNode)
	mgr.Initialize(root)

	processes := make([]*kernel.Process, 0, len(modules))
	for _, m := range modules {
		p, err := mgr.CreateInitProcess(m.Data)
		if err != nil {
			return nil, errors.Wrap(err, "booting module "+m.Name)
		}
		processes = append(processes, p)
	}

	log.L.Info("processes initialized", "count", len(processes))

	return &Result{Manager: mgr, Processes: processes}, nil
}
