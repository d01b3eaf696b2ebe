// Package kernels embeds the compute programs shipped with readback.
package kernels

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.wgsl
var files embed.FS

// Default is the kernel run when none is selected.
const Default = "answer"

// Values written by the embedded kernels.
const (
	AnswerValue   uint32 = 42
	SentinelValue uint32 = 0xDEADBEEF
)

// Source returns the WGSL source of an embedded kernel by name,
// with or without the .wgsl extension.
func Source(name string) (string, error) {
	name = strings.TrimSuffix(name, ".wgsl")
	data, err := files.ReadFile(name + ".wgsl")
	if err != nil {
		return "", fmt.Errorf("kernels: unknown kernel %q", name)
	}
	return string(data), nil
}

// Names lists the embedded kernels in sorted order.
func Names() []string {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".wgsl"))
	}
	sort.Strings(names)
	return names
}
