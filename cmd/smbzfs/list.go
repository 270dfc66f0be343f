package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
)

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func runListUsers(ctx context.Context, c *cli, args []string) error {
	if _, err := parse(c.flags("list users"), args); err != nil {
		return err
	}
	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	listing, err := m.ListUsers(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.writeJSON(listing)
	}

	c.warn(listing.Warnings)
	tw := newTable(c.stdout, "NAME", "SHELL", "HOME", "QUOTA", "GROUPS")
	for _, name := range keys(listing.Items) {
		u := listing.Items[name]
		home, quota := "-", "-"
		if u.Dataset != nil {
			home, quota = u.Dataset.Name, u.Dataset.Quota.String()
		}
		row(tw, name, yesNo(u.ShellAccess), home, quota, orDash(strings.Join(u.Groups, ",")))
	}
	return tw.Flush()
}

func runListGroups(ctx context.Context, c *cli, args []string) error {
	if _, err := parse(c.flags("list groups"), args); err != nil {
		return err
	}
	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	listing, err := m.ListGroups(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.writeJSON(listing)
	}

	tw := newTable(c.stdout, "NAME", "MEMBERS", "DESCRIPTION")
	for _, name := range keys(listing.Items) {
		g := listing.Items[name]
		row(tw, name, orDash(strings.Join(g.Members, ",")), orDash(g.Description))
	}
	return tw.Flush()
}

func runListShares(ctx context.Context, c *cli, args []string) error {
	if _, err := parse(c.flags("list shares"), args); err != nil {
		return err
	}
	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	listing, err := m.ListShares(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.writeJSON(listing)
	}

	c.warn(listing.Warnings)
	tw := newTable(c.stdout, "NAME", "DATASET", "QUOTA", "OWNER", "PERMS", "READONLY", "BROWSEABLE", "VALID USERS")
	for _, name := range keys(listing.Items) {
		s := listing.Items[name]
		row(tw, name, s.Dataset.Name, s.Dataset.Quota.String(),
			s.System.Owner+":"+s.System.Group, s.System.Permissions,
			yesNo(s.SMBConfig.ReadOnly), yesNo(s.SMBConfig.Browseable), orDash(s.SMBConfig.ValidUsers))
	}
	return tw.Flush()
}

func runListPools(ctx context.Context, c *cli, args []string) error {
	if _, err := parse(c.flags("list pools"), args); err != nil {
		return err
	}
	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	pools, err := m.ListPools(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return c.writeJSON(pools)
	}

	tw := newTable(c.stdout, "POOL", "ROLE")
	for _, p := range pools.Available {
		role := "available"
		switch {
		case p == pools.Primary:
			role = "primary"
		case slices.Contains(pools.Secondary, p):
			role = "secondary"
		}
		row(tw, p, role)
	}
	return tw.Flush()
}
