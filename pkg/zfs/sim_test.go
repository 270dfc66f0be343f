package zfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/smbzfs/internal/command/commandtest"
)

// simZFS emulates enough of zfs(8) and zpool(8) for adapter tests.
type simZFS struct {
	mu        sync.Mutex
	pools     []string
	datasets  map[string]map[string]string
	snapshots map[string]string // name -> guid
	nextGUID  int
	lastSent  string

	failRecv    bool
	corruptGUID bool
	failDestroy string
}

func newSimZFS(pools ...string) *simZFS {
	s := &simZFS{
		pools:     pools,
		datasets:  make(map[string]map[string]string),
		snapshots: make(map[string]string),
		nextGUID:  1000,
	}
	for _, p := range pools {
		s.datasets[p] = map[string]string{"available": "1000000000", "used": "0"}
	}
	return s
}

func (s *simZFS) runner() *commandtest.FakeRunner {
	r := commandtest.NewFakeRunner()
	r.Handler = s.handle
	return r
}

func (s *simZFS) add(name string, props map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if props == nil {
		props = map[string]string{}
	}
	s.datasets[name] = props
}

func (s *simZFS) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(name, "@") {
		_, ok := s.snapshots[name]
		return ok
	}
	_, ok := s.datasets[name]
	return ok
}

func (s *simZFS) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for n := range s.datasets {
		out = append(out, n)
	}
	for n := range s.snapshots {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func notFound(name string) commandtest.Response {
	return commandtest.Response{ExitCode: 1, Stderr: fmt.Sprintf("cannot open '%s': dataset does not exist", name)}
}

func (s *simZFS) handle(argv []string, _ string) commandtest.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := strings.Join(argv, " ")
	last := argv[len(argv)-1]

	switch {
	case cmd == "zpool list -H -o name":
		return commandtest.Response{Stdout: strings.Join(s.pools, "\n") + "\n"}

	case strings.HasPrefix(cmd, "zfs list -H -t snapshot -o name "):
		if _, ok := s.snapshots[last]; !ok {
			return notFound(last)
		}
		return commandtest.Response{Stdout: last + "\n"}

	case strings.HasPrefix(cmd, "zfs list -H -r -t filesystem,volume -o name "):
		if _, ok := s.datasets[last]; !ok {
			return notFound(last)
		}
		var names []string
		for name := range s.datasets {
			if name == last || strings.HasPrefix(name, last+"/") {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return commandtest.Response{Stdout: strings.Join(names, "\n") + "\n"}

	case strings.HasPrefix(cmd, "zfs list -H -o name "):
		if _, ok := s.datasets[last]; !ok {
			return notFound(last)
		}
		return commandtest.Response{Stdout: last + "\n"}

	case strings.HasPrefix(cmd, "zfs create -p "):
		for name := last; name != ""; name = Parent(name) {
			if _, ok := s.datasets[name]; !ok {
				s.datasets[name] = map[string]string{}
			}
		}
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs destroy -r "):
		if last == s.failDestroy {
			return commandtest.Response{ExitCode: 1, Stderr: "dataset is busy"}
		}
		if _, ok := s.datasets[last]; !ok {
			return notFound(last)
		}
		for name := range s.datasets {
			if name == last || strings.HasPrefix(name, last+"/") {
				delete(s.datasets, name)
			}
		}
		for name := range s.snapshots {
			if strings.HasPrefix(name, last+"@") || strings.HasPrefix(name, last+"/") {
				delete(s.snapshots, name)
			}
		}
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs destroy "):
		if _, ok := s.snapshots[last]; !ok {
			return notFound(last)
		}
		delete(s.snapshots, last)
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs snapshot "):
		s.nextGUID++
		s.snapshots[last] = fmt.Sprintf("%d", s.nextGUID)
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs send "):
		s.lastSent = last
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs recv -F "):
		if s.failRecv {
			// A partial stream leaves the destination behind.
			s.datasets[last] = map[string]string{}
			return commandtest.Response{ExitCode: 1, Stderr: "cannot receive: invalid stream"}
		}
		src, snap, _ := strings.Cut(s.lastSent, "@")
		s.datasets[last] = copyProps(s.datasets[src])
		guid := s.snapshots[s.lastSent]
		if s.corruptGUID {
			guid = "-"
		}
		s.snapshots[last+"@"+snap] = guid
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs rename "):
		from, to := argv[2], argv[3]
		for name, props := range s.datasets {
			if name == from || strings.HasPrefix(name, from+"/") {
				delete(s.datasets, name)
				s.datasets[to+strings.TrimPrefix(name, from)] = props
			}
		}
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs set "):
		prop, value, _ := strings.Cut(argv[2], "=")
		props, ok := s.datasets[last]
		if !ok {
			return notFound(last)
		}
		props[prop] = value
		return commandtest.Response{}

	case strings.HasPrefix(cmd, "zfs get "):
		prop := argv[len(argv)-2]
		if strings.Contains(last, "@") {
			guid, ok := s.snapshots[last]
			if !ok {
				return notFound(last)
			}
			return commandtest.Response{Stdout: guid + "\n"}
		}
		props, ok := s.datasets[last]
		if !ok {
			return notFound(last)
		}
		value, ok := props[prop]
		switch {
		case ok:
		case prop == "mountpoint":
			value = "/" + last
		case prop == "quota":
			value = "none"
		case prop == "used":
			value = "0"
		default:
			value = "-"
		}
		return commandtest.Response{Stdout: value + "\n"}
	}

	return commandtest.Response{ExitCode: 127, Stderr: "simZFS: unhandled command: " + cmd}
}

func copyProps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
