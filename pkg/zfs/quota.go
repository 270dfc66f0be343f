package zfs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// NoQuota is the ZFS spelling of an unset quota.
const NoQuota = "none"

// Quota is a dataset quota. The zero value means no quota.
type Quota struct {
	raw   string
	bytes uint64
}

// ParseQuota accepts ZFS quota strings ("10G", "512M", "1.5T", "none").
// Single-letter suffixes are binary, as zfs(8) interprets them. Empty,
// "none" and "0" all mean no quota.
func ParseQuota(s string) (Quota, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, NoQuota) || s == "0" {
		return Quota{}, nil
	}

	n, err := humanize.ParseBytes(toIEC(s))
	if err != nil {
		return Quota{}, fmt.Errorf("invalid quota %q: %w", s, err)
	}
	if n == 0 {
		return Quota{}, nil
	}
	return Quota{raw: strings.ToUpper(s), bytes: n}, nil
}

// MustParseQuota is ParseQuota for constants and tests.
func MustParseQuota(s string) Quota {
	q, err := ParseQuota(s)
	if err != nil {
		panic(err)
	}
	return q
}

// toIEC rewrites the zfs suffixes K, M, G, T, P, E (optionally followed by
// B) to the IEC form humanize reads as powers of 1024.
func toIEC(s string) string {
	u := strings.ToUpper(s)
	u = strings.TrimSuffix(u, "B")
	if u == "" {
		return s
	}
	last := u[len(u)-1]
	if strings.IndexByte("KMGTPE", last) < 0 {
		return s
	}
	return u[:len(u)-1] + string(last) + "iB"
}

func (q Quota) IsNone() bool {
	return q.bytes == 0
}

// Bytes returns the quota in bytes, 0 for none.
func (q Quota) Bytes() uint64 {
	return q.bytes
}

// String returns the value passed to "zfs set quota=".
func (q Quota) String() string {
	if q.IsNone() {
		return NoQuota
	}
	return q.raw
}

// Human formats the quota for display ("10 GiB" or "none").
func (q Quota) Human() string {
	if q.IsNone() {
		return NoQuota
	}
	return humanize.IBytes(q.bytes)
}

// Equal compares by size, so "1G" equals "1024M".
func (q Quota) Equal(other Quota) bool {
	return q.bytes == other.bytes
}

func (q Quota) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts null (legacy records) as no quota.
func (q *Quota) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*q = Quota{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("quota must be a string: %w", err)
	}
	parsed, err := ParseQuota(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func (q Quota) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *Quota) UnmarshalText(text []byte) error {
	parsed, err := ParseQuota(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
