// Karst CLI - parse, check, compile and disassemble karst sources.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/karst-lang/karst/cache"
	"github.com/karst-lang/karst/compiler"
	"github.com/karst-lang/karst/image"
	"github.com/karst-lang/karst/manifest"
	"github.com/karst-lang/karst/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	noCache := flag.Bool("no-cache", false, "Skip the compiled-image cache")
	output := flag.String("o", "", "Output image path (compile)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: karst <command> [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  parse    read files and print the parsed values\n")
		fmt.Fprintf(os.Stderr, "  check    parse and compile without writing an image\n")
		fmt.Fprintf(os.Stderr, "  compile  compile files (or the project manifest) to a .kimg image\n")
		fmt.Fprintf(os.Stderr, "  disasm   disassemble a .kimg image\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cmd, files := args[0], args[1:]
	var err error
	switch cmd {
	case "parse":
		err = cmdParse(files)
	case "check":
		err = cmdCheck(files)
	case "compile":
		err = cmdCompile(files, *output, !*noCache)
	case "disasm":
		err = cmdDisasm(files)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// parse
// ---------------------------------------------------------------------------

func cmdParse(files []string) error {
	ctx := vm.NewContext()
	for _, file := range files {
		values, err := parseFile(ctx, file)
		if err != nil {
			return err
		}
		for _, v := range values {
			fmt.Println(vm.Print(v))
		}
	}
	return nil
}

// parseFile streams a file through the reader and collects the value
// queue.
func parseFile(ctx *vm.Context, file string) ([]vm.Value, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	p := compiler.NewParser(ctx)
	var values []vm.Value
	offset := 0
	for offset < len(data) {
		offset += p.ConsumeBytes(data, offset)
		if p.Status() == compiler.ParseError {
			line, col := p.Where()
			msg := p.Error()
			return nil, fmt.Errorf("%s:%d:%d: parse error: %s", file, line, col, msg)
		}
		for p.HasMore() {
			values = append(values, p.Produce())
		}
	}
	p.EOF()
	if p.Status() == compiler.ParseError {
		line, col := p.Where()
		msg := p.Error()
		return nil, fmt.Errorf("%s:%d:%d: parse error: %s", file, line, col, msg)
	}
	for p.HasMore() {
		values = append(values, p.Produce())
	}
	return values, nil
}

// ---------------------------------------------------------------------------
// check and compile
// ---------------------------------------------------------------------------

// compileFile compiles every top-level form of a file into a module.
func compileFile(ctx *vm.Context, file string) (*image.Module, error) {
	values, err := parseFile(ctx, file)
	if err != nil {
		return nil, err
	}
	env, intrinsics := compiler.BaseEnv(ctx)
	compiler.RegisterCompile(ctx, env, nil, intrinsics)
	mod := &image.Module{SourceName: file}
	for _, v := range values {
		res := compiler.Compile(ctx, v, env, &compiler.Options{
			SourceName: file,
			Intrinsics: intrinsics,
		})
		if res.Status != compiler.CompileOK {
			return nil, fmt.Errorf("%s:%d:%d: compile error: %s",
				file, res.ErrorMapping.Line, res.ErrorMapping.Column, res.Error)
		}
		mod.Defs = append(mod.Defs, res.FuncDef)
	}
	return mod, nil
}

func cmdCheck(files []string) error {
	ctx := vm.NewContext()
	for _, file := range files {
		mod, err := compileFile(ctx, file)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("%s: %d top-level forms", file, len(mod.Defs))
	}
	return nil
}

func cmdCompile(files []string, output string, useCache bool) error {
	ctx := vm.NewContext()

	// With no explicit files, compile the project manifest.
	var store *cache.Store
	if len(files) == 0 {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("no files given and no karst.toml found")
		}
		files, err = m.SourceFiles()
		if err != nil {
			return err
		}
		if output == "" {
			output = filepath.Join(m.Dir, m.Image.Output)
		}
		if useCache && m.Cache.Enabled {
			store, err = cache.Open(m.Cache.Path)
			if err != nil {
				return err
			}
			defer store.Close()
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("nothing to compile")
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		hash := cache.SourceHash(data)

		if store != nil {
			if ok, err := store.Has(hash); err == nil && ok {
				pterm.Info.Printfln("%s: cached", file)
				continue
			}
		}

		mod, err := compileFile(ctx, file)
		if err != nil {
			return err
		}
		encoded, err := image.Encode(mod)
		if err != nil {
			return err
		}

		out := output
		if out == "" {
			out = strings.TrimSuffix(file, filepath.Ext(file)) + ".kimg"
		}
		if err := os.WriteFile(out, encoded, 0o644); err != nil {
			return err
		}
		if store != nil {
			if err := store.Put(hash, file, encoded); err != nil {
				return err
			}
		}
		pterm.Success.Printfln("%s -> %s (%d forms, %d bytes)",
			file, out, len(mod.Defs), len(encoded))
	}
	return nil
}

// ---------------------------------------------------------------------------
// disasm
// ---------------------------------------------------------------------------

func cmdDisasm(files []string) error {
	ctx := vm.NewContext()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		mod, err := image.Decode(data, ctx)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Println(mod.SourceName)
		for i, def := range mod.Defs {
			printFuncDef(def, fmt.Sprintf("thunk %d", i))
		}
	}
	return nil
}

func printFuncDef(def *vm.FuncDef, label string) {
	name := def.Name
	if name == "" {
		name = label
	}
	pterm.Info.Printfln("%s (arity %d, slots %d, %d constants)",
		name, def.Arity, def.SlotCount, len(def.Constants))
	for i, k := range def.Constants {
		fmt.Printf("  const %d: %s\n", i, vm.Print(k))
	}
	for _, line := range strings.Split(vm.Disassemble(def), "\n") {
		if line != "" {
			fmt.Printf("  %s\n", line)
		}
	}
	for i, nested := range def.Defs {
		printFuncDef(nested, fmt.Sprintf("%s/def %d", name, i))
	}
}
