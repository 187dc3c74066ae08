// Package backup takes point-in-time copies of the dataset file.
//
// Copies are taken under the dataset gate, so a backup never observes a
// half-finished mutation. Each artifact is named
// <stem>_<YYYYMMDD_HHMMSS>_<reason><ext> with the timestamp rendered in a
// fixed zone, and is never overwritten.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/deskline/internal/clock"
	"github.com/h1v3-io/deskline/internal/dataset"
)

// TimestampLayout formats the timestamp part of artifact names.
const TimestampLayout = "20060102_150405"

// DefaultUTCOffsetHours is the zone used for artifact names.
const DefaultUTCOffsetHours = 3

var (
	// ErrSourceMissing is returned when the dataset file does not exist.
	ErrSourceMissing = errors.New("backup: source dataset missing")
	// ErrBackupIO matches any *IOError.
	ErrBackupIO = errors.New("backup: copy failed")
)

// IOError wraps a filesystem failure while taking a backup.
type IOError struct {
	Dest string
	Err  error
}

func (e *IOError) Error() string {
	if e.Dest == "" {
		return fmt.Sprintf("backup: %v", e.Err)
	}
	return fmt.Sprintf("backup: write %s: %v", e.Dest, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrBackupIO }

// Artifact describes one backup file.
type Artifact struct {
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
}

// Notification is a best-effort report about a backup run.
type Notification struct {
	To   string // destination identifier, e.g. a chat ID
	Text string
	File string // optional artifact path to attach
}

// Notifier delivers backup reports.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Config configures a Manager.
type Config struct {
	Dir      string         // backup directory
	Location *time.Location // zone for artifact names; nil means UTC+3
	Clock    clock.Clock
	Notifier Notifier // optional
	NotifyTo string
	Logger   *slog.Logger
}

// Manager produces backups of the dataset owned by a dataset.Writer.
type Manager struct {
	w        *dataset.Writer
	dir      string
	loc      *time.Location
	clock    clock.Clock
	notifier Notifier
	notifyTo string
	logger   *slog.Logger
	stem     string
	ext      string
	names    *regexp.Regexp
}

// New creates a backup manager for w's dataset.
func New(w *dataset.Writer, cfg Config) *Manager {
	if cfg.Location == nil {
		cfg.Location = FixedZone(DefaultUTCOffsetHours)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := filepath.Base(w.Path())
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return &Manager{
		w:        w,
		dir:      cfg.Dir,
		loc:      cfg.Location,
		clock:    cfg.Clock,
		notifier: cfg.Notifier,
		notifyTo: cfg.NotifyTo,
		logger:   cfg.Logger,
		stem:     stem,
		ext:      ext,
		names: regexp.MustCompile(`^` + regexp.QuoteMeta(stem) +
			`_(\d{8}_\d{6})_([a-z0-9-]+)(?:_(\d+))?` + regexp.QuoteMeta(ext) + `$`),
	}
}

// FixedZone returns a zone at a whole-hour offset from UTC.
func FixedZone(hours int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", hours), hours*3600)
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// BackupNow copies the dataset into the backup directory.
//
// It returns ErrSourceMissing if there is no dataset yet and an *IOError
// if the copy fails; in both cases no artifact is left behind. Outcomes
// are reported to the notifier, whose failures are logged and ignored.
func (m *Manager) BackupNow(ctx context.Context, reason string) (Artifact, error) {
	reason = SanitizeReason(reason)

	var art Artifact
	err := m.w.Read(ctx, func(h *dataset.Handle) error {
		ok, err := h.Exists()
		if err != nil {
			return &IOError{Err: err}
		}
		if !ok {
			return ErrSourceMissing
		}

		now := m.clock.Now().In(m.loc)
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return &IOError{Dest: m.dir, Err: err}
		}
		dst, err := m.destination(now, reason)
		if err != nil {
			return &IOError{Dest: m.dir, Err: err}
		}
		n, err := h.CopyTo(dst)
		if err != nil {
			return &IOError{Dest: dst, Err: err}
		}

		art = Artifact{
			Source:    h.Path(),
			Reason:    reason,
			CreatedAt: now,
			Path:      dst,
			Size:      n,
		}
		return nil
	})

	switch {
	case err == nil:
		m.logger.Info("backup created", "path", art.Path, "reason", reason, "size", art.Size)
		m.notify(ctx, Notification{
			Text: fmt.Sprintf("Backup created: %s (%d bytes, reason: %s)", filepath.Base(art.Path), art.Size, reason),
			File: art.Path,
		})
		return art, nil

	case errors.Is(err, ErrSourceMissing):
		m.logger.Warn("backup skipped, dataset missing", "source", m.w.Path(), "reason", reason)
		m.notify(ctx, Notification{
			Text: fmt.Sprintf("Backup skipped (%s): %s not found", reason, filepath.Base(m.w.Path())),
		})
		return Artifact{}, err

	case errors.Is(err, ErrBackupIO):
		m.logger.Error("backup failed", "reason", reason, "error", err)
		m.notify(ctx, Notification{
			Text: fmt.Sprintf("Backup failed (%s): %v", reason, err),
		})
		return Artifact{}, err

	default:
		// Gave up waiting for the gate.
		m.logger.Warn("backup abandoned", "reason", reason, "error", err)
		return Artifact{}, err
	}
}

// List returns the artifacts in the backup directory, newest first.
func (m *Manager) List() ([]Artifact, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: list: %w", err)
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := m.names.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		created, err := time.ParseInLocation(TimestampLayout, match[1], m.loc)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			Source:    m.w.Path(),
			Reason:    match[2],
			CreatedAt: created,
			Path:      filepath.Join(m.dir, e.Name()),
			Size:      info.Size(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}

// destination picks an unused artifact path for now and reason. Called
// with the dataset gate held, so concurrent backups cannot pick the same
// name.
func (m *Manager) destination(now time.Time, reason string) (string, error) {
	base := fmt.Sprintf("%s_%s_%s", m.stem, now.Format(TimestampLayout), reason)
	for i := 1; i < 1000; i++ {
		name := base + m.ext
		if i > 1 {
			name = base + "_" + strconv.Itoa(i) + m.ext
		}
		path := filepath.Join(m.dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s", base)
}

func (m *Manager) notify(ctx context.Context, n Notification) {
	if m.notifier == nil {
		return
	}
	n.To = m.notifyTo
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("backup notification failed", "to", n.To, "error", err)
	}
}

var reasonChars = regexp.MustCompile(`[^a-z0-9-]+`)

// SanitizeReason lowercases reason and reduces it to [a-z0-9-].
// An empty result becomes "manual".
func SanitizeReason(reason string) string {
	r := reasonChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(reason)), "-")
	r = strings.Trim(r, "-")
	if r == "" {
		return "manual"
	}
	return r
}
