// Package codegen builds the code bundle the container harness
// materializes into a working tree before invoking a job. Where a
// decorator-based interpreted system would ship source files,
// lattice's registered functions are already linked into the running
// binary (the same self-re-exec protocol pkg/handler/parallel uses):
// the bundle instead carries the data a re-exec of that binary needs
// on disk (kwargs, a small runner options record, additional files,
// and local module trees) so the harness's working tree keeps the same
// recursive {files, dirs} shape even though no interpreter needs to
// import from it.
package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/lattice/pkg/blobstore"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/registry"
)

const (
	// KwargsFile is the name of the serialized-argument file every
	// bundle carries.
	KwargsFile = "kwargs.json"

	// RunnerFile names the generated runner entry point's options
	// record: a small enumerated options record rather than a
	// string-templated script.
	RunnerFile = "runner.json"

	// ResultFile is where the runner writes its outcome.
	ResultFile = "result.json"

	// LocalModulesDir is the conventional home for bundled local
	// modules, including the harness runtime itself.
	LocalModulesDir = "_local_modules"

	// InitFile is the synthetic re-export marker naming the target
	// function; kept for bundle-shape fidelity even though nothing in
	// a compiled Go binary imports it.
	InitFile = "__init__.py"
)

// File is a leaf node: a named byte blob.
type File struct {
	Name    string
	Content []byte
}

// Dir is an interior node: a named subtree.
type Dir struct {
	Name    string
	Content Bundle
}

// Bundle is the recursive {files, dirs} code-bundle tree.
type Bundle struct {
	Files []File
	Dirs  []Dir
}

// RunnerOptions is the options record the generated runner entry point
// is parameterised by, serialized alongside the bundle as
// runner.json.
type RunnerOptions struct {
	FunctionName        string `json:"function_name"`
	FunctionVersion     string `json:"function_version"`
	NoResolveInputFiles bool   `json:"no_resolve_input_files"`
	BlobStorageDir      string `json:"blob_storage_dir"`
}

// Build constructs the bundle for one job invocation: serialized
// kwargs (Build runs codec.Serialize over args itself, so large
// payloads and File values are rewritten through blobs), the runner
// options record, the function's declared additional files, and its
// declared local module directories.
func Build(ctx context.Context, entry *registry.Entry, args codec.Value, blobs blobstore.Store, opts RunnerOptions) (Bundle, error) {
	plain, err := codec.Serialize(ctx, args, blobs)
	if err != nil {
		return Bundle{}, fmt.Errorf("codegen: serialize kwargs: %w", err)
	}
	kwargsJSON, err := json.Marshal(plain)
	if err != nil {
		return Bundle{}, fmt.Errorf("codegen: marshal kwargs: %w", err)
	}
	runnerJSON, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return Bundle{}, fmt.Errorf("codegen: marshal runner options: %w", err)
	}

	b := Bundle{
		Files: []File{
			{Name: KwargsFile, Content: kwargsJSON},
			{Name: RunnerFile, Content: runnerJSON},
			{Name: InitFile, Content: []byte(fmt.Sprintf("# re-exports %s\n", entry.Name))},
		},
	}

	for _, glob := range entry.Options.AdditionalFiles {
		matches, err := filepath.Glob(glob)
		if err != nil {
			return Bundle{}, fmt.Errorf("codegen: additional_files glob %q: %w", glob, err)
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return Bundle{}, fmt.Errorf("codegen: read additional file %s: %w", path, err)
			}
			b.Files = append(b.Files, File{Name: filepath.Base(path), Content: data})
		}
	}

	if len(entry.Options.LocalModules) > 0 {
		modulesDir := Bundle{}
		for _, modPath := range entry.Options.LocalModules {
			sub, err := treeFromDisk(modPath)
			if err != nil {
				return Bundle{}, fmt.Errorf("codegen: local module %s: %w", modPath, err)
			}
			modulesDir.Dirs = append(modulesDir.Dirs, Dir{Name: filepath.Base(modPath), Content: sub})
		}
		b.Dirs = append(b.Dirs, Dir{Name: LocalModulesDir, Content: modulesDir})
	}

	return b, nil
}

// Write materializes b under root, recursively creating directories.
func (b Bundle) Write(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("codegen: mkdir %s: %w", root, err)
	}
	for _, f := range b.Files {
		if err := os.WriteFile(filepath.Join(root, f.Name), f.Content, 0o644); err != nil {
			return fmt.Errorf("codegen: write %s: %w", f.Name, err)
		}
	}
	for _, d := range b.Dirs {
		if err := d.Content.Write(filepath.Join(root, d.Name)); err != nil {
			return err
		}
	}
	return nil
}

func treeFromDisk(path string) (Bundle, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return Bundle{}, err
	}
	var b Bundle
	for _, e := range entries {
		full := filepath.Join(path, e.Name())
		if e.IsDir() {
			sub, err := treeFromDisk(full)
			if err != nil {
				return Bundle{}, err
			}
			b.Dirs = append(b.Dirs, Dir{Name: e.Name(), Content: sub})
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return Bundle{}, err
		}
		b.Files = append(b.Files, File{Name: e.Name(), Content: data})
	}
	return b, nil
}
