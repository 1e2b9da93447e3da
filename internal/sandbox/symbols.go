package sandbox

import (
	"path"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// defaultAllowedPackages is the import allow-list for adapter code: data
// interchange, math, text utilities and generic copy/iteration helpers.
// Nothing here can touch the filesystem, the network, or spawn processes.
var defaultAllowedPackages = []string{
	"bytes",
	"encoding/base64",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"maps",
	"math",
	"regexp",
	"slices",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// symbolKey converts an import path to the key format used by yaegi's
// generated symbol tables ("encoding/json" -> "encoding/json/json").
func symbolKey(importPath string) string {
	return importPath + "/" + path.Base(importPath)
}

// restrictedSymbols returns the subset of the yaegi stdlib symbol table
// covering only the allowed packages. Everything else (os, net, os/exec,
// syscall, reflect, unsafe, ...) is simply absent from the namespace.
func restrictedSymbols(allowed []string) interp.Exports {
	keep := make(map[string]bool, len(allowed))
	for _, pkg := range allowed {
		keep[symbolKey(pkg)] = true
	}

	exports := make(interp.Exports, len(allowed))
	for key, symbols := range stdlib.Symbols {
		if keep[key] {
			exports[key] = symbols
		}
	}
	return exports
}
