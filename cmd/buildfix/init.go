package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/config"
	"github.com/ShayCichocki/buildfix/internal/registry"
)

var (
	initForce       bool
	initNoGitignore bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a buildfix project",
	Long: `Initialize a directory for use with buildfix.

This command creates:
  - the .buildfix directory structure
  - an example task registry at .buildfix/tasks.yaml
  - a project config at .buildfix.yaml
  - a .gitignore entry for .buildfix/

Existing files are kept unless --force is given.

Examples:
  buildfix init              # Initialize current directory
  buildfix init ./myproject  # Initialize specific directory
  buildfix init --force      # Overwrite the registry and config`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing registry and config files")
	initCmd.Flags().BoolVar(&initNoGitignore, "no-gitignore", false, "Do not touch .gitignore")
}

// stateDirs are created under .buildfix/.
var stateDirs = []string{"logs", "checkpoints", "signals", "chunks"}

const exampleRegistry = `# buildfix task registry.
#
# Tasks run tier by tier. Inside a tier, every task whose dependencies have
# completed may run in parallel, within max_concurrent and the host's
# resource ceiling. A chunkable task splits its error_source (one error per
# line) into chunks that run as separate units; each chunk's items are in
# the file named by $BUILDFIX_CHUNK_FILE.
tasks:
  - id: collect
    name: Collect build errors
    tier: 1
    demand: {cpu_shares: 200, memory_mb: 1024, file_handles: 64}
    ref:
      kind: command
      command: "go vet ./... 2> .buildfix/errors.txt || true"

  - id: format
    name: Format sources
    tier: 1
    demand: {cpu_shares: 100, memory_mb: 256, file_handles: 64}
    inputs: ["*.go"]
    ref:
      kind: command
      command: "gofmt -l -w ."

  - id: advise
    name: Suggest fixes
    tier: 2
    depends_on: [collect]
    chunkable: true
    error_source: .buildfix/errors.txt
    demand: {cpu_shares: 10, memory_mb: 64, file_handles: 8}
    ref:
      kind: advisor
      prompt: "Suggest a minimal fix for each of these Go build errors."
      output: .buildfix/advice

  - id: verify
    name: Verify build
    tier: 3
    depends_on: [format]
    demand: {cpu_shares: 200, memory_mb: 1024, file_handles: 64}
    ref:
      kind: command
      command: "go build ./..."
`

const exampleConfig = `# buildfix project configuration. Values here override the user config
# (~/.config/buildfix/config.yaml) and are overridden by BUILDFIX_*
# environment variables and command-line flags.
scheduler:
  max_concurrent: 4
  tick: 500ms
  stall_timeout: 5m

execution:
  timeout: 10m
  chunk_timeout: 5m
  retries: 3
  backoff_base: 2s

chunking:
  max_size: 50

breaker:
  threshold: 3
  window: 5m

cache:
  ttl: 1h

resources:
  reserve_percent: 10

advisor:
  # api_key: ${ANTHROPIC_API_KEY}
  bedrock: false
`

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	} else if workdirFlag != "" {
		targetDir = workdirFlag
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}

	fmt.Printf("Initializing buildfix in %s...\n\n", absPath)
	if err := scaffold(absPath, initForce, !initNoGitignore); err != nil {
		return err
	}

	fmt.Printf("\n%s buildfix initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the task registry:")
	fmt.Printf("     %s\n", registry.DefaultPath(absPath))
	fmt.Println("  2. Check it:")
	fmt.Println("     buildfix validate")
	fmt.Println("  3. Run it:")
	fmt.Println("     buildfix run")
	if _, _, err := config.Default().APIKey(); errors.Is(err, config.ErrNoAPIKey) {
		fmt.Println()
		printStatus("⚠", "ANTHROPIC_API_KEY not set; advisor tasks will fail until it is", color.FgYellow)
	}
	return nil
}

// scaffold creates the state directories and example files under dir.
func scaffold(dir string, force, gitignore bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	stateDir := filepath.Join(dir, ".buildfix")
	for _, sub := range stateDirs {
		if err := os.MkdirAll(filepath.Join(stateDir, sub), 0755); err != nil {
			return fmt.Errorf("creating .buildfix/%s: %w", sub, err)
		}
	}
	printStatus("✓", "Created .buildfix directory structure", color.FgGreen)

	wrote, err := writeIfAbsent(registry.DefaultPath(dir), exampleRegistry, force)
	if err != nil {
		return err
	}
	reportWrite(wrote, ".buildfix/tasks.yaml")

	wrote, err = writeIfAbsent(filepath.Join(dir, config.ProjectFile), exampleConfig, force)
	if err != nil {
		return err
	}
	reportWrite(wrote, config.ProjectFile)

	if gitignore {
		added, err := updateGitignore(dir)
		if err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		if added {
			printStatus("✓", "Added .buildfix/ to .gitignore", color.FgGreen)
		}
	}
	return nil
}

func writeIfAbsent(path, content string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	return true, nil
}

func reportWrite(wrote bool, name string) {
	if wrote {
		printStatus("✓", "Created "+name, color.FgGreen)
	} else {
		printStatus("-", name+" already exists (use --force to overwrite)", color.FgHiBlack)
	}
}

// updateGitignore appends .buildfix/ unless an entry already covers it.
func updateGitignore(dir string) (bool, error) {
	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case ".buildfix", ".buildfix/", "/.buildfix", "/.buildfix/":
			return false, nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += "# buildfix state\n.buildfix/\n"
	return true, os.WriteFile(path, []byte(content), 0644)
}
