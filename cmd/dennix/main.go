package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/carverh/dennix/boot"
	"github.com/carverh/dennix/log"
)

var (
	fModules = pflag.StringP("modules", "m", "", "directory of ELF images to boot as init processes")
	fTrace   = pflag.BoolP("trace", "t", false, "enable trace logging")
)

func scanModules(dir string) ([]boot.Module, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var modules []boot.Module
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}

		modules = append(modules, boot.Module{Name: e.Name(), Data: data})
	}

	return modules, nil
}

func main() {
	pflag.Parse()

	if *fTrace {
		log.EnableTrace()
	}

	var modules []boot.Module
	if *fModules != "" {
		var err error
		modules, err = scanModules(*fModules)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	result, err := boot.Run(modules)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.L.Info("boot complete", "processes", len(result.Processes))
}
