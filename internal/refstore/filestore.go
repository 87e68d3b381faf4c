package refstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileStore is an on-disk [Store]: one YAML file per ref under Dir,
// named by a filesystem-safe encoding of the ref name. This mirrors
// the teacher's one-file-per-branch layout, adapted from TOML to YAML
// to match the wire format spec §6.2 prescribes for ref metadata.
type FileStore struct {
	// Dir is the root directory entries are stored under. It is
	// created on first write if it does not already exist.
	Dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a [FileStore] rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// diskEntry is the on-disk shape of one ref's YAML file: exactly one
// of Workspace or Branch is set.
type diskEntry struct {
	Workspace *Workspace `yaml:"workspace,omitempty"`
	Branch    *Branch    `yaml:"branch,omitempty"`
}

// refFilename maps a ref name to a stable, filesystem-safe filename.
// Ref names may contain "/", which most filesystems accept directly,
// but can also exceed path component limits or collide on
// case-insensitive filesystems; hashing sidesteps both.
func refFilename(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:]) + ".yaml"
}

// Filename exposes [refFilename]'s mapping to callers outside this
// package that need to lay out one blob per ref the same way
// [FileStore] does on disk — namely the oplog snapshot tree's
// "virtual_branches/" entry (spec §6.5).
func Filename(ref string) string {
	return refFilename(ref)
}

// EncodeEntry serializes e in the same YAML wire format [FileStore]
// writes to disk, for callers that persist ref metadata somewhere
// other than a FileStore directory.
func EncodeEntry(e Entry) ([]byte, error) {
	var disk diskEntry
	switch v := e.Value.(type) {
	case Workspace:
		disk.Workspace = &v
	case Branch:
		disk.Branch = &v
	default:
		return nil, fmt.Errorf("refstore: encode %q: unknown entry value type %T", e.RefName, e.Value)
	}
	return yaml.Marshal(disk)
}

func (s *FileStore) path(ref string) string {
	return filepath.Join(s.Dir, refFilename(ref))
}

func (s *FileStore) Iter(context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		entries, err := os.ReadDir(s.Dir)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			yield(Entry{}, fmt.Errorf("refstore: list %s: %w", s.Dir, err))
			return
		}

		for _, de := range entries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".yaml") {
				continue
			}

			data, err := os.ReadFile(filepath.Join(s.Dir, de.Name()))
			if err != nil {
				if !yield(Entry{}, fmt.Errorf("refstore: read %s: %w", de.Name(), err)) {
					return
				}
				continue
			}

			var disk diskEntry
			if err := yaml.Unmarshal(data, &disk); err != nil {
				if !yield(Entry{}, fmt.Errorf("refstore: decode %s: %w", de.Name(), err)) {
					return
				}
				continue
			}

			var e Entry
			switch {
			case disk.Workspace != nil:
				e = Entry{RefName: disk.Workspace.RefInfo.RefName, Value: *disk.Workspace}
			case disk.Branch != nil:
				e = Entry{RefName: disk.Branch.RefInfo.RefName, Value: *disk.Branch}
			default:
				continue
			}

			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *FileStore) readDisk(ref string) (diskEntry, bool, error) {
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return diskEntry{}, false, nil
		}
		return diskEntry{}, false, fmt.Errorf("refstore: read %q: %w", ref, err)
	}

	var disk diskEntry
	if err := yaml.Unmarshal(data, &disk); err != nil {
		return diskEntry{}, false, fmt.Errorf("refstore: decode %q: %w", ref, err)
	}
	return disk, true, nil
}

func (s *FileStore) Workspace(ctx context.Context, ref string) (Workspace, error) {
	w, ok, err := s.WorkspaceOpt(ctx, ref)
	if err != nil {
		return Workspace{}, err
	}
	if !ok {
		return Workspace{}, fmt.Errorf("refstore: workspace %q: %w", ref, ErrNotFound)
	}
	return w, nil
}

func (s *FileStore) WorkspaceOpt(_ context.Context, ref string) (Workspace, bool, error) {
	disk, ok, err := s.readDisk(ref)
	if err != nil || !ok {
		return Workspace{}, false, err
	}
	if disk.Workspace == nil {
		return Workspace{}, false, fmt.Errorf("refstore: ref %q holds a Branch, not a Workspace", ref)
	}
	return *disk.Workspace, true, nil
}

func (s *FileStore) Branch(ctx context.Context, ref string) (Branch, error) {
	b, ok, err := s.BranchOpt(ctx, ref)
	if err != nil {
		return Branch{}, err
	}
	if !ok {
		return Branch{}, fmt.Errorf("refstore: branch %q: %w", ref, ErrNotFound)
	}
	return b, nil
}

func (s *FileStore) BranchOpt(_ context.Context, ref string) (Branch, bool, error) {
	disk, ok, err := s.readDisk(ref)
	if err != nil || !ok {
		return Branch{}, false, err
	}
	if disk.Branch == nil {
		return Branch{}, false, fmt.Errorf("refstore: ref %q holds a Workspace, not a Branch", ref)
	}
	return *disk.Branch, true, nil
}

func (s *FileStore) write(ref string, disk diskEntry) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("refstore: %w", err)
	}

	data, err := yaml.Marshal(disk)
	if err != nil {
		return fmt.Errorf("refstore: encode %q: %w", ref, err)
	}

	tmp := s.path(ref) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("refstore: write %q: %w", ref, err)
	}
	if err := os.Rename(tmp, s.path(ref)); err != nil {
		return fmt.Errorf("refstore: write %q: %w", ref, err)
	}
	return nil
}

func (s *FileStore) SetWorkspace(_ context.Context, ref string, w Workspace) error {
	w.RefInfo.RefName = ref
	return s.write(ref, diskEntry{Workspace: &w})
}

func (s *FileStore) SetBranch(_ context.Context, ref string, b Branch) error {
	b.RefInfo.RefName = ref
	return s.write(ref, diskEntry{Branch: &b})
}

func (s *FileStore) Remove(_ context.Context, ref string) (bool, error) {
	err := os.Remove(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("refstore: remove %q: %w", ref, err)
	}
	return true, nil
}
