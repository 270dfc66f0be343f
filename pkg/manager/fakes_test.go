package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/smbzfs/pkg/smbconf"
	"github.com/marmos91/smbzfs/pkg/zfs"
)

var errInjected = errors.New("injected failure")

// faults maps "Method", "Method:arg0" or "Method:arg0:arg1" to the error
// the fake returns. The most specific key wins.
type faults map[string]error

func (f faults) check(method string, args ...string) error {
	for i := len(args); i > 0; i-- {
		if err, ok := f[method+":"+strings.Join(args[:i], ":")]; ok {
			return err
		}
	}
	return f[method]
}

type fakeDataset struct {
	quota zfs.Quota
	used  uint64
}

// fakeZFS keeps datasets in memory. Mountpoints are "/" + name.
type fakeZFS struct {
	mu       sync.Mutex
	pools    map[string]uint64
	datasets map[string]*fakeDataset
	fail     faults
	moves    int
}

func newFakeZFS(pools ...string) *fakeZFS {
	z := &fakeZFS{
		pools:    map[string]uint64{},
		datasets: map[string]*fakeDataset{},
		fail:     faults{},
	}
	for _, p := range pools {
		z.pools[p] = 1 << 40
		z.datasets[p] = &fakeDataset{}
	}
	return z
}

func (z *fakeZFS) has(name string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.datasets[name]
	return ok
}

func (z *fakeZFS) quota(name string) zfs.Quota {
	z.mu.Lock()
	defer z.mu.Unlock()
	if ds, ok := z.datasets[name]; ok {
		return ds.quota
	}
	return zfs.Quota{}
}

func (z *fakeZFS) ListPools(ctx context.Context) ([]string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.fail.check("ListPools"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(z.pools))
	for p := range z.pools {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (z *fakeZFS) PoolExists(ctx context.Context, pool string) (bool, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.pools[pool]
	return ok, nil
}

func (z *fakeZFS) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	return z.has(dataset), nil
}

func (z *fakeZFS) CreateDataset(ctx context.Context, dataset string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.fail.check("CreateDataset", dataset); err != nil {
		return err
	}
	if _, ok := z.pools[zfs.PoolOf(dataset)]; !ok {
		return &zfs.DatasetError{Dataset: dataset, Reason: "pool does not exist"}
	}
	for name := dataset; name != ""; name = zfs.Parent(name) {
		if _, ok := z.datasets[name]; !ok {
			z.datasets[name] = &fakeDataset{}
		}
	}
	return nil
}

func (z *fakeZFS) DestroyDataset(ctx context.Context, dataset string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.fail.check("DestroyDataset", dataset); err != nil {
		return err
	}
	for name := range z.datasets {
		if name == dataset || strings.HasPrefix(name, dataset+"/") {
			delete(z.datasets, name)
		}
	}
	return nil
}

func (z *fakeZFS) GetMountpoint(ctx context.Context, dataset string) (string, error) {
	if !z.has(dataset) {
		return "", &zfs.DatasetError{Dataset: dataset, Reason: "does not exist"}
	}
	return "/" + dataset, nil
}

func (z *fakeZFS) GetQuota(ctx context.Context, dataset string) (zfs.Quota, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	ds, ok := z.datasets[dataset]
	if !ok {
		return zfs.Quota{}, &zfs.DatasetError{Dataset: dataset, Reason: "does not exist"}
	}
	return ds.quota, nil
}

func (z *fakeZFS) SetQuota(ctx context.Context, dataset string, q zfs.Quota) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.fail.check("SetQuota", dataset); err != nil {
		return err
	}
	ds, ok := z.datasets[dataset]
	if !ok {
		return &zfs.DatasetError{Dataset: dataset, Reason: "does not exist"}
	}
	ds.quota = q
	return nil
}

func (z *fakeZFS) RenameDataset(ctx context.Context, oldName, newName string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.fail.check("RenameDataset", oldName); err != nil {
		return err
	}
	if _, ok := z.datasets[oldName]; !ok {
		return &zfs.DatasetError{Dataset: oldName, Reason: "does not exist"}
	}
	if _, ok := z.datasets[newName]; ok {
		return &zfs.DatasetError{Dataset: newName, Reason: "already exists"}
	}
	z.rename(oldName, newName)
	return nil
}

func (z *fakeZFS) rename(oldName, newName string) {
	for name, ds := range z.datasets {
		if name == oldName || strings.HasPrefix(name, oldName+"/") {
			delete(z.datasets, name)
			z.datasets[newName+strings.TrimPrefix(name, oldName)] = ds
		}
	}
}

func (z *fakeZFS) MoveDataset(ctx context.Context, dataset, pool string) (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.fail.check("MoveDataset", dataset); err != nil {
		return "", &zfs.MoveFailedError{Dataset: dataset, Pool: pool, Err: err}
	}
	ds, ok := z.datasets[dataset]
	if !ok {
		return "", &zfs.DatasetError{Dataset: dataset, Reason: "does not exist"}
	}
	free, ok := z.pools[pool]
	if !ok {
		return "", &zfs.DatasetError{Dataset: pool, Reason: "pool does not exist"}
	}
	if ds.used > free {
		return "", &zfs.InsufficientSpaceError{Dataset: dataset, Pool: pool, Required: ds.used, Available: free}
	}
	dest := zfs.Rebase(dataset, pool)
	if _, ok := z.datasets[dest]; ok {
		return "", &zfs.DatasetError{Dataset: dest, Reason: "already exists"}
	}
	for name := zfs.Parent(dest); name != ""; name = zfs.Parent(name) {
		if _, ok := z.datasets[name]; !ok {
			z.datasets[name] = &fakeDataset{}
		}
	}
	z.rename(dataset, dest)
	z.moves++
	return dest, nil
}

// fakeSystem records accounts, Samba users and service state.
type fakeSystem struct {
	mu          sync.Mutex
	packages    map[string]bool
	users       map[string]string // name -> shell
	groups      map[string][]string
	samba       map[string]string // user -> password
	passwords   map[string]string
	owners      map[string]string // path -> owner:group
	modes       map[string]os.FileMode
	enabled     bool
	running     bool
	reloads     int
	configTests int
	fail        faults
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		packages:  map[string]bool{"zfsutils-linux": true, "samba": true, "avahi-daemon": true},
		users:     map[string]string{"root": "/bin/bash"},
		groups:    map[string][]string{"root": nil},
		samba:     map[string]string{},
		passwords: map[string]string{},
		owners:    map[string]string{},
		modes:     map[string]os.FileMode{},
		fail:      faults{},
	}
}

func (s *fakeSystem) hasUser(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[name]
	return ok
}

func (s *fakeSystem) hasGroup(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[name]
	return ok
}

func (s *fakeSystem) members(group string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(slices.Values(s.groups[group]))
}

func (s *fakeSystem) IsPackageInstalled(ctx context.Context, pkg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packages[pkg], nil
}

func (s *fakeSystem) UserExists(ctx context.Context, name string) (bool, error) {
	return s.hasUser(name), nil
}

func (s *fakeSystem) GroupExists(ctx context.Context, name string) (bool, error) {
	return s.hasGroup(name), nil
}

func (s *fakeSystem) AddSystemUser(ctx context.Context, name, homeDir, shell string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("AddSystemUser", name); err != nil {
		return err
	}
	if _, ok := s.users[name]; ok {
		return fmt.Errorf("useradd: user '%s' already exists", name)
	}
	s.users[name] = shell
	return nil
}

func (s *fakeSystem) DeleteSystemUser(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("DeleteSystemUser", name); err != nil {
		return err
	}
	delete(s.users, name)
	delete(s.passwords, name)
	for g, members := range s.groups {
		s.groups[g] = slices.DeleteFunc(members, func(u string) bool { return u == name })
	}
	return nil
}

func (s *fakeSystem) AddSystemGroup(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("AddSystemGroup", name); err != nil {
		return err
	}
	if _, ok := s.groups[name]; ok {
		return fmt.Errorf("groupadd: group '%s' already exists", name)
	}
	s.groups[name] = nil
	return nil
}

func (s *fakeSystem) DeleteSystemGroup(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("DeleteSystemGroup", name); err != nil {
		return err
	}
	delete(s.groups, name)
	return nil
}

func (s *fakeSystem) AddUserToGroup(ctx context.Context, user, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("AddUserToGroup", group, user); err != nil {
		return err
	}
	members, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("group '%s' does not exist", group)
	}
	if !slices.Contains(members, user) {
		s.groups[group] = append(members, user)
	}
	return nil
}

func (s *fakeSystem) RemoveUserFromGroup(ctx context.Context, user, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("RemoveUserFromGroup", group, user); err != nil {
		return err
	}
	s.groups[group] = slices.DeleteFunc(s.groups[group], func(u string) bool { return u == user })
	return nil
}

func (s *fakeSystem) SetSystemPassword(ctx context.Context, user, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("SetSystemPassword", user); err != nil {
		return err
	}
	s.passwords[user] = password
	return nil
}

func (s *fakeSystem) AddSambaUser(ctx context.Context, user, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("AddSambaUser", user); err != nil {
		return err
	}
	s.samba[user] = password
	return nil
}

func (s *fakeSystem) DeleteSambaUser(ctx context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("DeleteSambaUser", user); err != nil {
		return err
	}
	delete(s.samba, user)
	return nil
}

func (s *fakeSystem) SambaUserExists(ctx context.Context, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.samba[user]
	return ok, nil
}

func (s *fakeSystem) SetSambaPassword(ctx context.Context, user, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("SetSambaPassword", user); err != nil {
		return err
	}
	s.samba[user] = password
	return nil
}

func (s *fakeSystem) TestSambaConfig(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configTests++
	return s.fail.check("TestSambaConfig")
}

func (s *fakeSystem) ReloadSamba(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("ReloadSamba"); err != nil {
		return err
	}
	s.reloads++
	return nil
}

func (s *fakeSystem) RestartServices(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("RestartServices"); err != nil {
		return err
	}
	s.running = true
	return nil
}

func (s *fakeSystem) EnableServices(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	return s.fail.check("EnableServices")
}

func (s *fakeSystem) StopServices(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("StopServices"); err != nil {
		return err
	}
	s.running = false
	return nil
}

func (s *fakeSystem) DisableServices(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("DisableServices"); err != nil {
		return err
	}
	s.enabled = false
	return nil
}

func (s *fakeSystem) Chown(ctx context.Context, path, owner, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("Chown", path); err != nil {
		return err
	}
	s.owners[path] = owner + ":" + group
	return nil
}

func (s *fakeSystem) Chmod(path string, mode os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail.check("Chmod", path); err != nil {
		return err
	}
	s.modes[path] = mode
	return nil
}

// fakeRenderer keeps the rendered configuration as structured values.
type fakeRenderer struct {
	mu      sync.Mutex
	global  *smbconf.Global
	avahi   *smbconf.Global
	stanzas map[string]smbconf.Share
	removed bool
	fail    faults
	renders int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{stanzas: map[string]smbconf.Share{}, fail: faults{}}
}

func (r *fakeRenderer) stanza(name string) (smbconf.Share, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stanzas[name]
	return s, ok
}

func (r *fakeRenderer) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stanzas))
	for name := range r.stanzas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *fakeRenderer) RenderGlobalConfig(g smbconf.Global, shares []smbconf.Share) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail.check("RenderGlobalConfig"); err != nil {
		return err
	}
	r.global = &g
	r.stanzas = map[string]smbconf.Share{}
	for _, s := range shares {
		r.stanzas[s.Name] = s
	}
	r.removed = false
	r.renders++
	return nil
}

func (r *fakeRenderer) RenderAvahiConfig(g smbconf.Global) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avahi = &g
	return r.fail.check("RenderAvahiConfig")
}

func (r *fakeRenderer) InsertShare(s smbconf.Share) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail.check("InsertShare", s.Name); err != nil {
		return err
	}
	r.stanzas[s.Name] = s
	return nil
}

func (r *fakeRenderer) RemoveShare(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail.check("RemoveShare", name); err != nil {
		return err
	}
	delete(r.stanzas, name)
	return nil
}

func (r *fakeRenderer) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail.check("Remove"); err != nil {
		return err
	}
	r.global, r.avahi = nil, nil
	r.stanzas = map[string]smbconf.Share{}
	r.removed = true
	return nil
}

var (
	_ ZFS      = (*fakeZFS)(nil)
	_ System   = (*fakeSystem)(nil)
	_ Renderer = (*fakeRenderer)(nil)
)
