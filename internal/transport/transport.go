// Package transport moves exchange files between the engine and 1C.
//
// The file-drop layout under the exchange root is fixed: the engine
// writes export files into to_1c/, 1C drops files for import into
// from_1c/, and files that imported successfully are moved into
// from_1c/uploaded/ so a rerun never loads them twice.
package transport

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	outboxDir   = "to_1c"
	inboxDir    = "from_1c"
	uploadedDir = "uploaded"
)

const exportNameLayout = "2006-01-02 15_04_05"

// Exchange is a file-drop endpoint rooted at a single directory.
type Exchange struct {
	root string
	log  *slog.Logger
}

// New opens the exchange root, creating the directory layout if it does
// not exist yet. A root that points at the uploaded/ subdirectory is
// rewound to the real root; 1C admins paste that path often enough that
// tolerating it is cheaper than documenting it.
func New(root string, log *slog.Logger) (*Exchange, error) {
	if root == "" {
		return nil, fmt.Errorf("exchange root is not configured")
	}
	if filepath.Base(root) == uploadedDir {
		root = filepath.Dir(root)
	}
	ex := &Exchange{root: root, log: log}
	for _, dir := range []string{ex.outbox(), ex.inbox(), ex.uploaded()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create exchange dir: %w", err)
		}
	}
	return ex, nil
}

// Root reports the normalized exchange root.
func (ex *Exchange) Root() string { return ex.root }

// InboxDir reports the directory 1C drops files into. The run loop
// watches it for new arrivals.
func (ex *Exchange) InboxDir() string { return ex.inbox() }

func (ex *Exchange) outbox() string   { return filepath.Join(ex.root, outboxDir) }
func (ex *Exchange) inbox() string    { return filepath.Join(ex.root, inboxDir) }
func (ex *Exchange) uploaded() string { return filepath.Join(ex.root, inboxDir, uploadedDir) }

// WriteExport stores a finished export file in the outbox. The caller
// clears its change markers only after WriteExport returns nil; the
// file name carries the export timestamp so consecutive runs never
// clobber each other within a second.
func (ex *Exchange) WriteExport(data []byte, now time.Time) (string, error) {
	name := fmt.Sprintf("data_for_1c (%s).xml", now.Format(exportNameLayout))
	path := filepath.Join(ex.outbox(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	ex.log.Info("export file written", "path", path, "bytes", len(data))
	return path, nil
}

// Pending lists the inbox files waiting for import, sorted by name.
// Only .xml files count; 1C tooling leaves lock and log droppings next
// to the data files.
func (ex *Exchange) Pending() ([]string, error) {
	entries, err := os.ReadDir(ex.inbox())
	if err != nil {
		return nil, fmt.Errorf("scan exchange inbox: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			continue
		}
		files = append(files, filepath.Join(ex.inbox(), e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// MarkUploaded moves a fully imported file out of the inbox. A file
// that fails to move stays pending and will be imported again on the
// next pass; the importer's upserts make that safe.
func (ex *Exchange) MarkUploaded(path string) error {
	dest := filepath.Join(ex.uploaded(), filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move uploaded file: %w", err)
	}
	ex.log.Info("file uploaded", "path", path)
	return nil
}

// ReceivePush decodes an HTTP-pushed exchange frame and drops the
// contained file into the inbox, where the next import pass picks it
// up like any file-drop delivery.
func (ex *Exchange) ReceivePush(frame []byte, now time.Time) (string, error) {
	body, err := DecodeFrame(frame)
	if err != nil {
		return "", err
	}
	name := now.Format(exportNameLayout) + ".xml"
	path := filepath.Join(ex.inbox(), name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("store pushed file: %w", err)
	}
	ex.log.Info("pushed file stored", "path", path, "bytes", len(body))
	return path, nil
}
