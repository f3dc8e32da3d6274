// Package chroniclevault parses CLI flags and dispatches save subcommands.
package chroniclevault

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/archive"
	"github.com/louisbranch/chroniclevault/internal/chronicle/handle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/repo"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage/dirtree"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage/sqlite"
	"github.com/louisbranch/chroniclevault/internal/platform/config"
	"github.com/louisbranch/chroniclevault/internal/platform/id"
)

// Backend selector values.
const (
	BackendDirtree = "dirtree"
	BackendSQLite  = "sqlite"
)

// Config holds chroniclevault command configuration.
type Config struct {
	Root       string `env:"CHRONICLEVAULT_ROOT"`
	Backend    string `env:"CHRONICLEVAULT_BACKEND" envDefault:"dirtree"`
	DBPath     string `env:"CHRONICLEVAULT_DB"`
	ChunkSize  int    `env:"CHRONICLEVAULT_CHUNK_SIZE" envDefault:"100"`
	LocalLimit int    `env:"CHRONICLEVAULT_LOCAL_LIMIT"`
	Username   string `env:"CHRONICLEVAULT_USERNAME"`
	GrantsPath string `env:"CHRONICLEVAULT_GRANTS"`

	// Args holds the subcommand and its positional arguments.
	Args []string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Root, "root", cfg.Root, "The save root directory")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "The storage backend (dirtree|sqlite)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The sqlite database path (defaults to <root>/chronicle.db)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Entries per archived chunk")
	fs.IntVar(&cfg.LocalLimit, "local-limit", cfg.LocalLimit, "Local history window size (0 uses the save's settings)")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "Username recorded on commits")
	fs.StringVar(&cfg.GrantsPath, "grants", cfg.GrantsPath, "Directory-grant store path")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()
	return cfg, nil
}

// Usage is the subcommand summary printed on bad invocations.
const Usage = `usage: chroniclevault [flags] <command> [args]

commands:
  create  <state.json>                commit a new save from a game state file
  commit  <save-id> <state.json>      commit a game state file into a save
  show    <save-id>                   print a save summary
  history <save-id> <before> <limit>  page backward over archived history
  export  <save-id> <out.zip>         export a save as a zip archive
  import  <save-id> <in.zip>          restore a save from a zip archive
  delete  <save-id>                   remove a save entirely
  saves                               list remembered save roots`

// Run dispatches the configured subcommand.
func Run(ctx context.Context, cfg Config) error {
	if len(cfg.Args) == 0 {
		return errors.New(Usage)
	}
	command, args := cfg.Args[0], cfg.Args[1:]

	grants, err := openGrantStore(cfg)
	if err != nil {
		return err
	}

	if command == "saves" {
		return runSaves(ctx, grants)
	}

	root, err := resolveRoot(ctx, cfg, grants)
	if err != nil {
		return err
	}
	backend, closeBackend, err := openBackend(cfg, root)
	if err != nil {
		return err
	}
	defer closeBackend()

	repository, err := repo.New(backend)
	if err != nil {
		return err
	}
	defer repository.Close()

	switch command {
	case "create":
		return runCreate(ctx, repository, cfg, args)
	case "commit":
		return runCommit(ctx, repository, cfg, args)
	case "show":
		return runShow(ctx, repository, args)
	case "history":
		return runHistory(ctx, repository, args)
	case "export":
		return runExport(ctx, repository, args)
	case "import":
		return runImport(ctx, repository, cfg, args)
	case "delete":
		return runDelete(ctx, repository, args)
	default:
		return fmt.Errorf("unknown command %q\n%s", command, Usage)
	}
}

func openGrantStore(cfg Config) (handle.Store, error) {
	path := cfg.GrantsPath
	if path == "" {
		var err error
		path, err = handle.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return handle.NewFileStore(path)
}

// resolveRoot prefers the -root flag; without it the last remembered root is
// reused. A root given explicitly is remembered for next time.
func resolveRoot(ctx context.Context, cfg Config, grants handle.Store) (string, error) {
	if cfg.Root != "" {
		if err := grants.Remember(ctx, "default", cfg.Root); err != nil {
			return "", err
		}
		return cfg.Root, nil
	}
	root, err := grants.Recall(ctx, "default")
	if err != nil {
		return "", fmt.Errorf("no save root: pass -root or set CHRONICLEVAULT_ROOT: %w", err)
	}
	return root, nil
}

func openBackend(cfg Config, root string) (storage.Backend, func(), error) {
	switch cfg.Backend {
	case BackendDirtree:
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create save root: %w", err)
		}
		backend, err := dirtree.Open(root)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil
	case BackendSQLite:
		path := cfg.DBPath
		if path == "" {
			path = filepath.Join(root, "chronicle.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database dir: %w", err)
		}
		backend, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want dirtree or sqlite)", cfg.Backend)
	}
}

func readGameState(path string) (chronicle.GameState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chronicle.GameState{}, fmt.Errorf("read game state: %w", err)
	}
	var state chronicle.GameState
	if err := json.Unmarshal(data, &state); err != nil {
		return chronicle.GameState{}, fmt.Errorf("decode game state: %w", err)
	}
	return state, nil
}

func (c Config) commitOptions() repo.CommitOptions {
	opts := repo.CommitOptions{
		ChunkSize:         c.ChunkSize,
		LocalHistoryLimit: c.LocalLimit,
	}
	if c.Username != "" {
		username := c.Username
		opts.Username = &username
	}
	return opts
}

func runCreate(ctx context.Context, repository *repo.Repository, cfg Config, args []string) error {
	if len(args) != 1 {
		return errors.New("create needs a game state file")
	}
	state, err := readGameState(args[0])
	if err != nil {
		return err
	}
	saveID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("mint save id: %w", err)
	}
	if err := repository.CommitRuntimeState(ctx, saveID, state, cfg.commitOptions()); err != nil {
		return err
	}
	fmt.Println(saveID)
	return nil
}

func runCommit(ctx context.Context, repository *repo.Repository, cfg Config, args []string) error {
	if len(args) != 2 {
		return errors.New("commit needs a save id and a game state file")
	}
	state, err := readGameState(args[1])
	if err != nil {
		return err
	}
	return repository.CommitRuntimeState(ctx, args[0], state, cfg.commitOptions())
}

func runShow(ctx context.Context, repository *repo.Repository, args []string) error {
	if len(args) != 1 {
		return errors.New("show needs a save id")
	}
	rs, err := repository.LoadRuntimeState(ctx, args[0])
	if err != nil {
		return err
	}
	if rs == nil {
		indexed, err := repository.HasIndexedData(ctx, args[0])
		if err != nil {
			return err
		}
		if indexed {
			fmt.Println("no snapshot, but archived data remains")
			return nil
		}
		fmt.Println("no such save")
		return nil
	}

	username := "(none)"
	if rs.Username != nil {
		username = *rs.Username
	}
	fmt.Printf("version:    %d\n", rs.Version)
	fmt.Printf("username:   %s\n", username)
	fmt.Printf("saved at:   %s\n", rs.SavedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("history:    %d entries (%d archived, %d local)\n",
		len(rs.State.History), rs.HistoryBaseIndex, len(rs.State.History)-rs.HistoryBaseIndex)
	if rs.State.StatusTrack != nil {
		n := len(rs.State.StatusTrack.StatusChange)
		fmt.Printf("status:     %d entries (%d archived, %d local)\n",
			n, rs.StatusChangeBaseIndex, n-rs.StatusChangeBaseIndex)
	}
	return nil
}

func runHistory(ctx context.Context, repository *repo.Repository, args []string) error {
	if len(args) != 3 {
		return errors.New("history needs a save id, a before-index, and a limit")
	}
	beforeIndex, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid before-index %q", args[1])
	}
	limit, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid limit %q", args[2])
	}

	entries, err := repository.FetchHistoryBefore(ctx, args[0], beforeIndex, limit)
	if err != nil {
		return err
	}
	start := beforeIndex - len(entries)
	for i, entry := range entries {
		fmt.Printf("%6d  %s\n", start+i, entry)
	}
	return nil
}

func runExport(ctx context.Context, repository *repo.Repository, args []string) error {
	if len(args) != 2 {
		return errors.New("export needs a save id and an output file")
	}
	f, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	if err := repository.ExportZip(ctx, args[0], f); err != nil {
		f.Close()
		os.Remove(args[1])
		return err
	}
	return f.Close()
}

func runImport(ctx context.Context, repository *repo.Repository, cfg Config, args []string) error {
	if len(args) != 2 {
		return errors.New("import needs a save id and an input file")
	}
	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive file: %w", err)
	}

	var opts archive.ImportOptions
	if cfg.Username != "" {
		username := cfg.Username
		opts.Username = &username
	}
	return repository.ImportZip(ctx, args[0], f, info.Size(), opts)
}

func runDelete(ctx context.Context, repository *repo.Repository, args []string) error {
	if len(args) != 1 {
		return errors.New("delete needs a save id")
	}
	return repository.DeleteSave(ctx, args[0])
}

func runSaves(ctx context.Context, grants handle.Store) error {
	list, err := grants.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no remembered save roots")
		return nil
	}
	for _, grant := range list {
		fmt.Printf("%-16s %s\n", grant.Name, grant.Path)
	}
	return nil
}
