// Package smbconf renders and edits the Samba configuration file and the
// Avahi service advertisement.
//
// The global section is produced from a template at setup time; share
// stanzas are then inserted and removed in place, leaving every other
// section untouched.
package smbconf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/marmos91/smbzfs/internal/logger"
)

// BackupSuffix is appended to a pre-existing configuration file the first
// time it is replaced.
const BackupSuffix = ".smbzfs-orig"

// reserved sections are never reported as shares.
var reserved = map[string]bool{"global": true, "homes": true, "printers": true, "print$": true}

// Global holds the server-wide settings.
type Global struct {
	ServerName     string
	Workgroup      string
	MacOSOptimized bool
	// HomesPath is the mountpoint of the homes dataset.
	HomesPath string
}

// Share is one share stanza.
type Share struct {
	Name        string
	Path        string
	Comment     string
	Browseable  bool
	ReadOnly    bool
	ValidUsers  string
	ForceUser   string
	ForceGroup  string
	Permissions string
}

type shareData struct {
	Share
	CreateMask    string
	DirectoryMask string
}

// checkValues rejects values that would spill into further lines of the
// file.
func checkValues(section string, values map[string]string) error {
	for key, v := range values {
		if strings.ContainsFunc(v, unicode.IsControl) {
			return fmt.Errorf("%s: %s %q contains control characters", section, key, v)
		}
	}
	return nil
}

func (g Global) check() error {
	return checkValues("global", map[string]string{
		"server name": g.ServerName,
		"workgroup":   g.Workgroup,
		"homes path":  g.HomesPath,
	})
}

// Render returns the stanza text of s.
func (s Share) Render() (string, error) {
	if err := checkValues("share "+strconv.Quote(s.Name), map[string]string{
		"name":        s.Name,
		"path":        s.Path,
		"comment":     s.Comment,
		"valid users": s.ValidUsers,
		"force user":  s.ForceUser,
		"force group": s.ForceGroup,
	}); err != nil {
		return "", err
	}
	data := shareData{Share: s, CreateMask: "0664", DirectoryMask: "0775"}
	if s.Permissions != "" {
		n, err := strconv.ParseUint(s.Permissions, 8, 32)
		if err != nil {
			return "", fmt.Errorf("invalid permissions %q for share %s", s.Permissions, s.Name)
		}
		data.DirectoryMask = fmt.Sprintf("%04o", n&0o7777)
		data.CreateMask = fmt.Sprintf("%04o", n&0o666)
	}
	return execute(shareTemplate, data)
}

// ShareFromSection reads a stanza back into a Share.
func ShareFromSection(s *Section) Share {
	p := s.Params()
	share := Share{
		Name:        s.Name,
		Path:        p["path"],
		Comment:     p["comment"],
		Browseable:  true,
		ValidUsers:  p["valid users"],
		ForceUser:   p["force user"],
		ForceGroup:  p["force group"],
		Permissions: p["directory mask"],
	}
	if v, ok := p["browseable"]; ok {
		share.Browseable = parseBool(v)
	} else if v, ok := p["browsable"]; ok {
		share.Browseable = parseBool(v)
	}
	if v, ok := p["read only"]; ok {
		share.ReadOnly = parseBool(v)
	} else if v, ok := p["writable"]; ok {
		share.ReadOnly = !parseBool(v)
	}
	return share
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}

// Renderer owns the Samba and Avahi files on disk.
type Renderer struct {
	configPath string
	avahiPath  string
}

// NewRenderer creates a Renderer for the given smb.conf and Avahi service
// file paths.
func NewRenderer(configPath, avahiPath string) *Renderer {
	return &Renderer{configPath: configPath, avahiPath: avahiPath}
}

func (r *Renderer) ConfigPath() string { return r.configPath }

func (r *Renderer) AvahiPath() string { return r.avahiPath }

// RenderGlobalConfig rewrites the whole configuration: the global and
// [homes] sections followed by one stanza per share. A foreign file found
// at the path is kept once under BackupSuffix.
func (r *Renderer) RenderGlobalConfig(g Global, shares []Share) error {
	if err := g.check(); err != nil {
		return err
	}
	content, err := execute(globalTemplate, g)
	if err != nil {
		return err
	}
	doc := Parse(content)
	for _, s := range shares {
		section, err := shareSection(s)
		if err != nil {
			return err
		}
		doc.Upsert(section)
	}

	if err := backupForeign(r.configPath); err != nil {
		return err
	}
	logger.Debug("smbconf: writing %s with %d shares", r.configPath, len(shares))
	return writeFileAtomic(r.configPath, []byte(doc.String()), 0644)
}

// RenderAvahiConfig writes the SMB service advertisement.
func (r *Renderer) RenderAvahiConfig(g Global) error {
	if err := g.check(); err != nil {
		return err
	}
	content, err := execute(avahiTemplate, g)
	if err != nil {
		return err
	}
	if err := backupForeign(r.avahiPath); err != nil {
		return err
	}
	logger.Debug("smbconf: writing %s", r.avahiPath)
	return writeFileAtomic(r.avahiPath, []byte(content), 0644)
}

func shareSection(s Share) (*Section, error) {
	text, err := s.Render()
	if err != nil {
		return nil, err
	}
	doc := Parse(text)
	if len(doc.Sections) != 1 {
		return nil, fmt.Errorf("share %s rendered %d sections", s.Name, len(doc.Sections))
	}
	return doc.Sections[0], nil
}

func (r *Renderer) load() (*Document, error) {
	raw, err := os.ReadFile(r.configPath)
	if err != nil {
		return nil, fmt.Errorf("reading samba configuration: %w", err)
	}
	return Parse(string(raw)), nil
}

func (r *Renderer) save(doc *Document) error {
	return writeFileAtomic(r.configPath, []byte(doc.String()), 0644)
}

// InsertShare adds the stanza for s, replacing an existing one with the
// same name.
func (r *Renderer) InsertShare(s Share) error {
	if reserved[strings.ToLower(s.Name)] {
		return fmt.Errorf("share name %q is reserved by samba", s.Name)
	}
	section, err := shareSection(s)
	if err != nil {
		return err
	}
	doc, err := r.load()
	if err != nil {
		return err
	}
	doc.Upsert(section)
	logger.Debug("smbconf: inserted share [%s]", s.Name)
	return r.save(doc)
}

// RemoveShare deletes the named stanza. Removing an unknown share is a
// no-op.
func (r *Renderer) RemoveShare(name string) error {
	if reserved[strings.ToLower(name)] {
		return fmt.Errorf("section [%s] cannot be removed", name)
	}
	doc, err := r.load()
	if err != nil {
		return err
	}
	if !doc.Remove(name) {
		return nil
	}
	logger.Debug("smbconf: removed share [%s]", name)
	return r.save(doc)
}

// GetShare returns the stanza currently in the file.
func (r *Renderer) GetShare(name string) (Share, bool, error) {
	doc, err := r.load()
	if err != nil {
		return Share{}, false, err
	}
	i := doc.Find(name)
	if i < 0 || reserved[strings.ToLower(name)] {
		return Share{}, false, nil
	}
	return ShareFromSection(doc.Sections[i]), true, nil
}

// ShareNames lists the share sections in file order.
func (r *Renderer) ShareNames() ([]string, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range doc.Sections {
		if !reserved[strings.ToLower(s.Name)] {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

// Remove restores the original files when backups exist and deletes the
// generated ones otherwise.
func (r *Renderer) Remove() error {
	var errs []error
	for _, path := range []string{r.configPath, r.avahiPath} {
		restored, err := RestoreInitialState(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if restored {
			logger.Info("smbconf: restored original %s", path)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// RestoreInitialState moves the backup of path back into place. It reports
// false when there is no backup.
func RestoreInitialState(path string) (bool, error) {
	backup := path + BackupSuffix
	if _, err := os.Stat(backup); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Rename(backup, path); err != nil {
		return false, fmt.Errorf("restoring %s: %w", path, err)
	}
	return true, nil
}

// backupForeign copies path aside unless it is missing, already backed up,
// or one of ours.
func backupForeign(path string) error {
	if _, err := os.Stat(path + BackupSuffix); err == nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	head := make([]byte, len(header))
	n, _ := io.ReadFull(f, head)
	if string(head[:n]) == header {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	logger.Info("smbconf: keeping original %s as %s", path, path+BackupSuffix)
	return writeFileAtomic(path+BackupSuffix, raw, 0644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
