package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/marmos91/smbzfs/pkg/zfs"
)

// SambaUsersGroup is created by setup, holds every managed user and can
// never be deleted.
const SambaUsersGroup = "smb_users"

// GlobalConfig is the singleton server configuration. In the persisted
// document its fields sit at the top level next to the entity maps.
type GlobalConfig struct {
	Initialized      bool      `json:"initialized"`
	PrimaryPool      string    `json:"primary_pool"`
	SecondaryPools   []string  `json:"secondary_pools"`
	ServerName       string    `json:"server_name"`
	Workgroup        string    `json:"workgroup"`
	MacOSOptimized   bool      `json:"macos_optimized"`
	DefaultHomeQuota zfs.Quota `json:"default_home_quota"`
}

// ManagedPools returns the primary pool followed by the secondaries.
func (g GlobalConfig) ManagedPools() []string {
	pools := make([]string, 0, len(g.SecondaryPools)+1)
	if g.PrimaryPool != "" {
		pools = append(pools, g.PrimaryPool)
	}
	return append(pools, g.SecondaryPools...)
}

// IsManagedPool reports whether pool is the primary or a secondary pool.
func (g GlobalConfig) IsManagedPool(pool string) bool {
	return pool != "" && (pool == g.PrimaryPool || slices.Contains(g.SecondaryPools, pool))
}

// HomesDataset is the parent dataset of all home directories.
func (g GlobalConfig) HomesDataset() string {
	return g.PrimaryPool + "/homes"
}

func (g GlobalConfig) clone() GlobalConfig {
	g.SecondaryPools = slices.Clone(g.SecondaryPools)
	return g
}

// DatasetInfo binds an entity to its ZFS dataset.
type DatasetInfo struct {
	Name       string    `json:"name"`
	MountPoint string    `json:"mount_point"`
	Quota      zfs.Quota `json:"quota"`
	Pool       string    `json:"pool"`
}

// User is a managed account. Dataset is nil for accounts created without a
// home directory.
type User struct {
	ShellAccess bool         `json:"shell_access"`
	Groups      []string     `json:"groups"`
	Dataset     *DatasetInfo `json:"dataset,omitempty"`
	Created     Timestamp    `json:"created"`
}

func (u User) clone() User {
	u.Groups = slices.Clone(u.Groups)
	if u.Dataset != nil {
		ds := *u.Dataset
		u.Dataset = &ds
	}
	return u
}

// Group is a managed POSIX group. Members is kept sorted and unique.
type Group struct {
	Description string    `json:"description"`
	Members     []string  `json:"members"`
	Created     Timestamp `json:"created"`
}

func (g Group) clone() Group {
	g.Members = slices.Clone(g.Members)
	return g
}

// SetMembers stores members as a sorted set.
func (g *Group) SetMembers(members []string) {
	g.Members = sortedSet(members)
}

// HasMember reports whether user is recorded as a member.
func (g Group) HasMember(user string) bool {
	return slices.Contains(g.Members, user)
}

// SMBConfig holds the Samba-facing share settings.
type SMBConfig struct {
	Comment    string `json:"comment"`
	Browseable bool   `json:"browseable"`
	ReadOnly   bool   `json:"read_only"`
	ValidUsers string `json:"valid_users"`
}

// SystemConfig holds the POSIX ownership of a share mountpoint.
type SystemConfig struct {
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Permissions string `json:"permissions"`
}

// Share is a managed Samba share.
type Share struct {
	Dataset   DatasetInfo  `json:"dataset"`
	SMBConfig SMBConfig    `json:"smb_config"`
	System    SystemConfig `json:"system"`
	Created   Timestamp    `json:"created"`
}

func (s Share) clone() Share {
	return s
}

// Document is the whole persisted state.
type Document struct {
	GlobalConfig
	Users  map[string]User  `json:"users"`
	Groups map[string]Group `json:"groups"`
	Shares map[string]Share `json:"shares"`
}

// NewDocument returns an empty, uninitialized document.
func NewDocument() *Document {
	d := &Document{}
	d.normalize()
	return d
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	out := &Document{
		GlobalConfig: d.GlobalConfig.clone(),
		Users:        make(map[string]User, len(d.Users)),
		Groups:       make(map[string]Group, len(d.Groups)),
		Shares:       make(map[string]Share, len(d.Shares)),
	}
	for k, v := range d.Users {
		out.Users[k] = v.clone()
	}
	for k, v := range d.Groups {
		out.Groups[k] = v.clone()
	}
	for k, v := range d.Shares {
		out.Shares[k] = v.clone()
	}
	return out
}

// UnmarshalJSON decodes a document and migrates older layouts: the
// single-pool "zfs_pool" key becomes the primary pool, and dataset records
// without a pool get the pool from their dataset name. Null or missing
// quotas decode as no quota.
func (d *Document) UnmarshalJSON(data []byte) error {
	type plain Document
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var legacy struct {
		ZFSPool string `json:"zfs_pool"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	if p.PrimaryPool == "" {
		p.PrimaryPool = legacy.ZFSPool
	}

	*d = Document(p)
	d.normalize()
	return nil
}

func (d *Document) normalize() {
	if d.SecondaryPools == nil {
		d.SecondaryPools = []string{}
	}
	if d.Users == nil {
		d.Users = make(map[string]User)
	}
	if d.Groups == nil {
		d.Groups = make(map[string]Group)
	}
	if d.Shares == nil {
		d.Shares = make(map[string]Share)
	}
	for name, u := range d.Users {
		if u.Groups == nil {
			u.Groups = []string{}
		}
		if u.Dataset != nil && u.Dataset.Pool == "" {
			u.Dataset.Pool = zfs.PoolOf(u.Dataset.Name)
		}
		d.Users[name] = u
	}
	for name, g := range d.Groups {
		g.Members = sortedSet(g.Members)
		d.Groups[name] = g
	}
	for name, s := range d.Shares {
		if s.Dataset.Pool == "" {
			s.Dataset.Pool = zfs.PoolOf(s.Dataset.Name)
		}
		d.Shares[name] = s
	}
}

func sortedSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Timestamp is a creation time. It encodes as RFC 3339 and also accepts the
// zone-less ISO 8601 form older state files contain (interpreted as UTC).
type Timestamp struct {
	time.Time
}

// Now returns the current UTC time as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = Timestamp{parsed.UTC()}
		return nil
	}
	for _, layout := range legacyLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = Timestamp{parsed}
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}
