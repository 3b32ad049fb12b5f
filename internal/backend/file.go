package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/storage"
)

// LocalAssembly names the files of one assembly served by a LocalFileDriver.
// Paths are relative to the driver's storage root.
type LocalAssembly struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	FastaPath string `yaml:"fasta"`
	GFF3Path  string `yaml:"gff3"`
}

// journalEntry is one line of an assembly's change journal.
type journalEntry struct {
	Time   time.Time       `json:"time"`
	Change json.RawMessage `json:"change"`
}

// LocalFileDriver serves assemblies from GFF3 and FASTA files. The files are
// never rewritten; accepted changes are appended to "<assembly>.changes.jsonl"
// beside them and replayed on start.
type LocalFileDriver struct {
	authority
	files storage.Provider
	mu    sync.Mutex
}

// NewLocalFileDriver loads every assembly and replays its journal.
func NewLocalFileDriver(ctx context.Context, files storage.Provider, registry *change.Registry, logger *slog.Logger, assemblies ...LocalAssembly) (*LocalFileDriver, error) {
	if registry == nil {
		registry = change.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	store := datastore.New(
		datastore.WithLogger(logger),
		datastore.WithFiles(files),
		datastore.WithDefaultBackend(models.BackendFile),
	)
	d := &LocalFileDriver{
		authority: authority{name: models.BackendFile, store: store, registry: registry, logger: logger},
		files:     files,
	}
	for _, a := range assemblies {
		if err := d.load(ctx, a); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// JournalPath returns where accepted changes of an assembly are recorded.
func JournalPath(assemblyID string) string {
	return assemblyID + ".changes.jsonl"
}

func (d *LocalFileDriver) load(ctx context.Context, a LocalAssembly) error {
	name := a.Name
	if name == "" {
		name = a.ID
	}
	add := change.NewAddAssemblyFromFileWithID(a.ID, name, models.BackendFile, a.FastaPath, a.GFF3Path)
	if err := add.Execute(ctx, d.store); err != nil {
		return fmt.Errorf("backend: file: load %s: %w", a.ID, err)
	}

	data, err := d.files.Read(JournalPath(a.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backend: file: read journal of %s: %w", a.ID, err)
	}
	// Every entry ends in a newline; anything after the last one is an
	// append cut short by a crash.
	if end := bytes.LastIndexByte(data, '\n') + 1; end < len(data) {
		d.logger.Warn("backend: file: dropping torn journal tail",
			slog.String("assembly", a.ID),
			slog.Int("bytes", len(data)-end),
		)
		data = data[:end]
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	replayed := 0
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("backend: file: journal of %s line %d: %w", a.ID, line, err)
		}
		c, err := d.registry.Decode(e.Change)
		if err != nil {
			return fmt.Errorf("backend: file: journal of %s line %d: %w", a.ID, line, err)
		}
		if err := c.Execute(ctx, d.store); err != nil {
			return fmt.Errorf("backend: file: replay journal of %s line %d: %w", a.ID, line, err)
		}
		replayed++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("backend: file: scan journal of %s: %w", a.ID, err)
	}
	d.logger.Info("backend: file assembly loaded",
		slog.String("assembly", a.ID),
		slog.Int("replayed", replayed),
	)
	return nil
}

// SubmitChange applies op to the loaded copy and appends it to the journal.
// When the journal cannot be written the change is undone and the error
// returned.
func (d *LocalFileDriver) SubmitChange(ctx context.Context, op datastore.Operation) (models.ValidationResultSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, res, err := d.apply(ctx, op)
	if err != nil || !res.OK {
		return res, err
	}
	raw, err := change.Encode(c)
	if err == nil {
		var line []byte
		line, err = json.Marshal(journalEntry{Time: time.Now().UTC(), Change: raw})
		if err == nil {
			err = d.files.Append(JournalPath(c.AssemblyID()), append(line, '\n'))
		}
	}
	if err != nil {
		if undoErr := c.Inverse().Execute(context.WithoutCancel(ctx), d.store); undoErr != nil {
			d.logger.Error("backend: file: undo after journal failure",
				slog.String("change", c.TypeName()),
				slog.String("error", undoErr.Error()),
			)
		}
		return models.ValidationResultSet{}, fmt.Errorf("backend: file: journal %s: %w", c.TypeName(), err)
	}
	return res, nil
}

var _ datastore.BackendDriver = (*LocalFileDriver)(nil)
