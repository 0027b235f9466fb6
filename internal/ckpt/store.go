package ckpt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StoreOptions configures a CheckpointService.
type StoreOptions struct {
	Dir       string
	Capturers []Capturer
	Targets   Targets
	FS        FilesystemManager
	Archiver  Archiver
	// Compress packs each checkpoint into a single archive after capture.
	Compress bool
	// Encryptor encrypts archives when set. Requires Compress.
	Encryptor  Encryptor
	Passphrase PassphraseFunc
	Scratch    ScratchArea
	Mirrors    []ArchiveMirror
	Lock       Locker
	// Health records the pre-capture health snapshot when set.
	Health  HealthChecker
	Facts   func() SystemFacts
	Timeout time.Duration
	Logger  Logger
	Clock   Clock
}

// CheckpointService owns the checkpoints directory: identity, layout,
// manifest, checksums, compression and retention.
type CheckpointService struct {
	opts StoreOptions
	tx   *TransactionLog
}

func NewCheckpointService(opts StoreOptions) *CheckpointService {
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Facts == nil {
		opts.Facts = func() SystemFacts { return SystemFacts{} }
	}
	order := make(map[Category]int, len(CaptureOrder))
	for i, c := range CaptureOrder {
		order[c] = i
	}
	capturers := append([]Capturer(nil), opts.Capturers...)
	sort.SliceStable(capturers, func(i, j int) bool {
		return order[capturers[i].Category()] < order[capturers[j].Category()]
	})
	opts.Capturers = capturers
	return &CheckpointService{opts: opts, tx: NewTransactionLog(opts.Clock)}
}

// Dir returns the checkpoints directory.
func (s *CheckpointService) Dir() string { return s.opts.Dir }

func (s *CheckpointService) lock(ctx context.Context) (func() error, error) {
	if s.opts.Lock == nil {
		return func() error { return nil }, nil
	}
	return s.opts.Lock.Lock(ctx)
}

// CreateOptions controls Create.
type CreateOptions struct {
	DryRun bool
}

// CreateResult describes a created (or, for a dry run, planned) checkpoint.
type CreateResult struct {
	ID       string
	Path     string
	Form     Form
	DryRun   bool
	Manifest *Manifest
	// Preview lists the tracked items a dry run would capture.
	Preview []ItemRecord
	// Mirrored names the mirrors that received the archive.
	Mirrored []string
}

// Create captures the tracked state into a new checkpoint.
func (s *CheckpointService) Create(ctx context.Context, name string, opts CreateOptions) (*CreateResult, error) {
	if err := ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	now := s.opts.Clock.Now().UTC().Truncate(time.Second)
	id := NewCheckpointID(name, now)

	if opts.DryRun {
		return &CreateResult{ID: id, DryRun: true, Preview: s.preview()}, nil
	}
	if s.opts.Encryptor != nil && !s.opts.Encryptor.IsConfigured() {
		return nil, fmt.Errorf("%w: archive encryption enabled but no key is configured, run 'ckpt config keys init'", ErrPrecondition)
	}

	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	if err := os.MkdirAll(s.opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating checkpoints directory: %w", err)
	}
	if _, ok, err := s.find(id); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrAlreadyExists)
	}
	root := filepath.Join(s.opts.Dir, id)
	if err := os.Mkdir(root, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	if err := s.tx.Reset(filepath.Join(root, TransactionLogFile)); err != nil {
		return nil, err
	}
	defer func() { _ = s.tx.Close() }()

	facts := s.opts.Facts()
	m := &Manifest{
		ID:        id,
		Name:      name,
		CreatedAt: now,
		Hostname:  facts.Hostname,
		Facts:     facts,
		Captures:  make(map[Category]bool, len(CaptureOrder)),
		Items:     []ItemRecord{},
	}
	for _, c := range CaptureOrder {
		m.Captures[c] = false
	}
	for _, c := range s.opts.Capturers {
		m.Captures[c.Category()] = true
	}
	if s.opts.Health != nil {
		report := s.opts.Health.Check(ctx)
		m.Health = &report
	}
	if err := writeManifest(s.opts.FS, root, m); err != nil {
		return nil, err
	}
	s.opts.Logger.Info("checkpoint started", "id", id, "dir", root)

	cc := &CaptureContext{
		Root:    root,
		Targets: s.opts.Targets,
		FS:      s.opts.FS,
		Tx:      s.tx,
		Logger:  s.opts.Logger,
		Timeout: s.opts.Timeout,
	}
	if base, baseID := s.dataBase(id); base != "" {
		cc.DataBase = base
		m.DataBase = baseID
	}
	for _, c := range s.opts.Capturers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("checkpoint %s interrupted: %w", id, err)
		}
		m.Items = append(m.Items, c.Capture(ctx, cc)...)
	}
	m.DataStats = cc.DataStats
	m.Complete = true
	if err := writeManifest(s.opts.FS, root, m); err != nil {
		return nil, err
	}
	if err := s.tx.Close(); err != nil {
		return nil, fmt.Errorf("closing transaction log: %w", err)
	}
	sums, err := writeChecksums(s.opts.FS, root)
	if err != nil {
		return nil, err
	}
	s.opts.Logger.Info("checkpoint captured", "id", id, "files", len(sums), "linked", m.DataStats.Linked)

	result := &CreateResult{ID: id, Path: root, Form: FormDirectory, Manifest: m}
	if !s.opts.Compress {
		return result, nil
	}
	archive, err := s.compress(root, id, len(sums)+2)
	if err != nil {
		// The directory form is intact and still usable.
		s.opts.Logger.Error("compression failed, keeping directory", "id", id, "err", err)
		return result, nil
	}
	result.Path = archive
	result.Form = FormArchive
	result.Mirrored = s.upload(ctx, archive)
	return result, nil
}

// preview lists what a create would capture without touching anything.
func (s *CheckpointService) preview() []ItemRecord {
	var items []ItemRecord
	add := func(c Category, target string) {
		items = append(items, ItemRecord{Category: c, Target: target, Status: ItemSkipped, Detail: "dry run"})
	}
	pathItem := func(c Category, p string) {
		if _, err := s.opts.FS.Stat(p); err != nil {
			items = append(items, ItemRecord{Category: c, Target: p, Status: ItemNotFound, Detail: "dry run"})
			return
		}
		add(c, p)
	}
	for _, c := range s.opts.Capturers {
		switch c.Category() {
		case CategoryServices:
			for _, svc := range s.opts.Targets.Services {
				add(c.Category(), svc)
			}
		case CategoryConfig:
			for _, p := range s.opts.Targets.ConfigPaths {
				pathItem(c.Category(), p)
			}
		case CategoryData:
			for _, p := range s.opts.Targets.DataPaths {
				pathItem(c.Category(), p)
			}
		default:
			add(c.Category(), string(c.Category()))
		}
	}
	return items
}

// dataBase picks the newest directory-form checkpoint with a data subtree
// as the hard-link source.
func (s *CheckpointService) dataBase(exclude string) (path, id string) {
	for info, err := range s.List() {
		if err != nil || info.ID == exclude || info.Form != FormDirectory {
			continue
		}
		dir := filepath.Join(info.Path, string(CategoryData))
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir, info.ID
		}
	}
	return "", ""
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// compress packs root into an archive next to it and removes root once the
// archive is verified on disk.
func (s *CheckpointService) compress(root, id string, wantFiles int) (string, error) {
	final := filepath.Join(s.opts.Dir, id+ArchiveExt)
	if s.opts.Encryptor != nil {
		final += EncryptedExt
	}
	tmp := final + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	cw := &countingWriter{w: f}

	var packed int
	if s.opts.Encryptor == nil {
		packed, err = s.opts.Archiver.Pack(root, cw)
	} else {
		pr, pw := io.Pipe()
		go func() {
			n, err := s.opts.Archiver.Pack(root, pw)
			packed = n
			_ = pw.CloseWithError(err)
		}()
		err = s.opts.Encryptor.Encrypt(pr, cw)
		_ = pr.CloseWithError(err)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("writing archive: %w", err)
	}

	if err := s.verifyArchive(tmp, cw.n, packed, wantFiles); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalizing archive: %w", err)
	}
	if err := s.opts.FS.RemoveAll(root); err != nil {
		return "", fmt.Errorf("removing uncompressed checkpoint: %w", err)
	}
	s.opts.Logger.Info("checkpoint compressed", "id", id, "archive", final, "bytes", cw.n)
	return final, nil
}

// verifyArchive checks the archive on disk before the directory is removed.
// Plain archives are re-read; encrypted ones can only be size-checked since
// decryption needs the passphrase.
func (s *CheckpointService) verifyArchive(path string, written int64, packed, want int) error {
	if packed != want {
		return fmt.Errorf("archive holds %d files, expected %d", packed, want)
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking archive: %w", err)
	}
	if st.Size() != written || written == 0 {
		return fmt.Errorf("archive size mismatch: wrote %d, found %d", written, st.Size())
	}
	if s.opts.Encryptor != nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopening archive: %w", err)
	}
	defer f.Close()
	n, err := s.opts.Archiver.Count(f)
	if err != nil {
		return fmt.Errorf("re-reading archive: %w", err)
	}
	if n != packed {
		return fmt.Errorf("archive re-read found %d files, expected %d", n, packed)
	}
	return nil
}

// upload copies an archive to every mirror. Failures are logged only.
func (s *CheckpointService) upload(ctx context.Context, archive string) []string {
	var done []string
	key := filepath.Base(archive)
	for _, m := range s.opts.Mirrors {
		if err := s.putOne(ctx, m, archive, key); err != nil {
			s.opts.Logger.Warn("mirror upload failed", "mirror", m.Name(), "key", key, "err", err)
			continue
		}
		s.opts.Logger.Info("mirrored checkpoint", "mirror", m.Name(), "key", key)
		done = append(done, m.Name())
	}
	return done
}

func (s *CheckpointService) putOne(ctx context.Context, m ArchiveMirror, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	callCtx, cancel := withTimeout(ctx, s.opts.Timeout)
	defer cancel()
	return m.Put(callCtx, key, f, st.Size())
}

type candidate struct {
	id        string
	name      string
	created   time.Time
	path      string
	form      Form
	encrypted bool
}

// parseEntry recognizes a directory or archive in the checkpoints directory.
func parseEntry(dir string, e fs.DirEntry) (candidate, bool) {
	n := e.Name()
	if strings.HasPrefix(n, ".") {
		return candidate{}, false
	}
	c := candidate{path: filepath.Join(dir, n)}
	switch {
	case e.IsDir():
		c.id, c.form = n, FormDirectory
	case strings.HasSuffix(n, ArchiveExt+EncryptedExt):
		c.id, c.form, c.encrypted = strings.TrimSuffix(n, ArchiveExt+EncryptedExt), FormArchive, true
	case strings.HasSuffix(n, ArchiveExt):
		c.id, c.form = strings.TrimSuffix(n, ArchiveExt), FormArchive
	default:
		return candidate{}, false
	}
	name, created, err := ParseCheckpointID(c.id)
	if err != nil {
		return candidate{}, false
	}
	c.name, c.created = name, created
	return c, true
}

// List yields checkpoints newest first. Sizes are computed lazily as the
// sequence is consumed; each call re-reads the directory.
func (s *CheckpointService) List() iter.Seq2[CheckpointInfo, error] {
	return func(yield func(CheckpointInfo, error) bool) {
		entries, err := os.ReadDir(s.opts.Dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				yield(CheckpointInfo{}, fmt.Errorf("reading checkpoints directory: %w", err))
			}
			return
		}
		var cands []candidate
		for _, e := range entries {
			if c, ok := parseEntry(s.opts.Dir, e); ok {
				cands = append(cands, c)
			}
		}
		sort.SliceStable(cands, func(i, j int) bool {
			if !cands[i].created.Equal(cands[j].created) {
				return cands[i].created.After(cands[j].created)
			}
			return cands[i].id > cands[j].id
		})
		for _, c := range cands {
			info := CheckpointInfo{
				ID:        c.id,
				Name:      c.name,
				CreatedAt: c.created,
				Form:      c.form,
				Encrypted: c.encrypted,
				Path:      c.path,
			}
			size, err := pathSize(c.path)
			info.Size = size
			if !yield(info, err) {
				return
			}
		}
	}
}

func pathSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// find looks up an exact id locally.
func (s *CheckpointService) find(id string) (CheckpointInfo, bool, error) {
	for info, err := range s.List() {
		if err != nil {
			return CheckpointInfo{}, false, err
		}
		if info.ID == id {
			return info, true, nil
		}
	}
	return CheckpointInfo{}, false, nil
}

// Resolve maps an id or a name to a checkpoint. An exact id wins; a name
// resolves to its newest checkpoint. Ids missing locally are fetched from
// the first mirror holding them.
func (s *CheckpointService) Resolve(ctx context.Context, ref string) (CheckpointInfo, error) {
	return s.resolve(ctx, ref, false)
}

// resolve is Resolve for callers that may already hold the store lock.
// Mirror downloads write into the checkpoints directory, so they always
// run under the lock.
func (s *CheckpointService) resolve(ctx context.Context, ref string, held bool) (CheckpointInfo, error) {
	if info, ok, err := s.lookup(ref); err != nil || ok {
		return info, err
	}
	if _, _, err := ParseCheckpointID(ref); err != nil {
		return CheckpointInfo{}, fmt.Errorf("checkpoint %q: %w", ref, ErrNotFound)
	}
	if !held {
		release, err := s.lock(ctx)
		if err != nil {
			return CheckpointInfo{}, err
		}
		defer func() { _ = release() }()
		// Another process may have fetched it while we waited.
		if info, ok, err := s.lookup(ref); err != nil || ok {
			return info, err
		}
	}
	if info, ok := s.fetch(ctx, ref); ok {
		return info, nil
	}
	return CheckpointInfo{}, fmt.Errorf("checkpoint %q: %w", ref, ErrNotFound)
}

// lookup finds ref locally by exact id, else the newest checkpoint named ref.
func (s *CheckpointService) lookup(ref string) (CheckpointInfo, bool, error) {
	var byName *CheckpointInfo
	for info, err := range s.List() {
		if err != nil {
			return CheckpointInfo{}, false, err
		}
		if info.ID == ref {
			return info, true, nil
		}
		if byName == nil && info.Name == ref {
			found := info
			byName = &found
		}
	}
	if byName != nil {
		return *byName, true, nil
	}
	return CheckpointInfo{}, false, nil
}

// Newest returns the most recent checkpoint, or ErrNotFound.
func (s *CheckpointService) Newest(_ context.Context) (CheckpointInfo, error) {
	for info, err := range s.List() {
		return info, err
	}
	return CheckpointInfo{}, fmt.Errorf("no checkpoints: %w", ErrNotFound)
}

func (s *CheckpointService) fetch(ctx context.Context, id string) (CheckpointInfo, bool) {
	for _, m := range s.opts.Mirrors {
		for _, key := range []string{id + ArchiveExt, id + ArchiveExt + EncryptedExt} {
			callCtx, cancel := withTimeout(ctx, s.opts.Timeout)
			has, err := m.Has(callCtx, key)
			cancel()
			if err != nil {
				s.opts.Logger.Warn("mirror lookup failed", "mirror", m.Name(), "key", key, "err", err)
				continue
			}
			if !has {
				continue
			}
			if err := s.download(ctx, m, key); err != nil {
				s.opts.Logger.Warn("mirror download failed", "mirror", m.Name(), "key", key, "err", err)
				continue
			}
			s.opts.Logger.Info("fetched checkpoint from mirror", "mirror", m.Name(), "key", key)
			if info, ok, err := s.find(id); err == nil && ok {
				return info, true
			}
		}
	}
	return CheckpointInfo{}, false
}

func (s *CheckpointService) download(ctx context.Context, m ArchiveMirror, key string) error {
	if err := os.MkdirAll(s.opts.Dir, 0o750); err != nil {
		return err
	}
	dst := filepath.Join(s.opts.Dir, key)
	tmp := dst + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	callCtx, cancel := withTimeout(ctx, s.opts.Timeout)
	err = m.Get(callCtx, key, f)
	cancel()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// materialize returns a directory holding the checkpoint content. Archives
// are extracted into a scratch area which release discards.
func (s *CheckpointService) materialize(info CheckpointInfo) (root string, release func(), err error) {
	if info.Form == FormDirectory {
		return info.Path, func() {}, nil
	}
	if s.opts.Scratch == nil || s.opts.Archiver == nil {
		return "", nil, fmt.Errorf("%w: no scratch area configured for archive extraction", ErrPrecondition)
	}
	dir, release, err := s.opts.Scratch.Acquire("extract-"+info.ID, info.Size)
	if err != nil {
		return "", nil, fmt.Errorf("acquiring scratch area: %w", err)
	}
	if err := s.extract(info, dir); err != nil {
		release()
		return "", nil, err
	}
	return dir, release, nil
}

func (s *CheckpointService) extract(info CheckpointInfo, dir string) error {
	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if info.Encrypted {
		if s.opts.Encryptor == nil || s.opts.Passphrase == nil {
			return fmt.Errorf("%w: checkpoint %s is encrypted but encryption is not configured", ErrPrecondition, info.ID)
		}
		passphrase, err := s.opts.Passphrase()
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		dc, err := s.opts.Encryptor.Unlock(passphrase)
		if err != nil {
			return fmt.Errorf("%w: unlocking key: %v", ErrPrecondition, err)
		}
		pr, pw := io.Pipe()
		go func() {
			_ = pw.CloseWithError(dc.Decrypt(f, pw))
		}()
		defer pr.Close()
		r = pr
	}
	if _, err := s.opts.Archiver.Unpack(r, dir); err != nil {
		return fmt.Errorf("extracting archive: %w", err)
	}
	return nil
}

// Verify checks manifest presence, every recorded checksum and the presence
// of captured category subtrees. Extracted archives are always discarded.
func (s *CheckpointService) Verify(ctx context.Context, ref string) (*VerifyReport, error) {
	info, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	root, release, err := s.materialize(info)
	if err != nil {
		return nil, err
	}
	defer release()
	report := verifyTree(s.opts.FS, root, info.ID)
	if report.OK {
		s.opts.Logger.Info("checkpoint verified", "id", info.ID, "files", report.FilesChecked)
	} else {
		s.opts.Logger.Warn("checkpoint verification failed", "id", info.ID, "findings", len(report.Findings))
	}
	return report, nil
}

// Cleanup removes checkpoints created more than retentionDays ago and
// returns their ids.
func (s *CheckpointService) Cleanup(ctx context.Context, retentionDays int) ([]string, error) {
	if retentionDays < 0 {
		return nil, fmt.Errorf("retention days must not be negative, got %d", retentionDays)
	}
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	cutoff := s.opts.Clock.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	var expired []CheckpointInfo
	for info, err := range s.List() {
		if err != nil {
			return nil, err
		}
		if info.CreatedAt.Before(cutoff) {
			expired = append(expired, info)
		}
	}
	var removed []string
	for _, info := range expired {
		if err := s.opts.FS.RemoveAll(info.Path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", info.ID, err)
		}
		s.opts.Logger.Info("removed expired checkpoint", "id", info.ID, "created", info.CreatedAt)
		removed = append(removed, info.ID)
	}
	return removed, nil
}

// Delete removes one checkpoint by exact id.
func (s *CheckpointService) Delete(ctx context.Context, id string) error {
	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	info, ok, err := s.find(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("checkpoint %q: %w", id, ErrNotFound)
	}
	if err := s.opts.FS.RemoveAll(info.Path); err != nil {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	s.opts.Logger.Info("deleted checkpoint", "id", id)
	return nil
}

// CheckpointDetail is what Show returns.
type CheckpointDetail struct {
	Info        CheckpointInfo
	Manifest    *Manifest
	Transaction []TxEntry
}

// Show loads a checkpoint's manifest and transaction log.
func (s *CheckpointService) Show(ctx context.Context, ref string) (*CheckpointDetail, error) {
	info, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	root, release, err := s.materialize(info)
	if err != nil {
		return nil, err
	}
	defer release()
	m, err := ReadManifest(root)
	if err != nil {
		return nil, fmt.Errorf("reading manifest of %s: %w", info.ID, err)
	}
	entries, err := ReadTransactionLog(filepath.Join(root, TransactionLogFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return &CheckpointDetail{Info: info, Manifest: m, Transaction: entries}, nil
}
